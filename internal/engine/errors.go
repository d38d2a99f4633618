package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies share rejections.
type ErrorKind int

const (
	KindInvalidNonce ErrorKind = iota + 1
	KindDuplicatedShare
	KindLowDifficultyShare
	KindJobNotFound
	KindChainIndexMismatch
	KindTemplateDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidNonce:
		return "invalid_nonce"
	case KindDuplicatedShare:
		return "duplicated_share"
	case KindLowDifficultyShare:
		return "low_difficulty_share"
	case KindJobNotFound:
		return "job_not_found"
	case KindChainIndexMismatch:
		return "chain_index_mismatch"
	case KindTemplateDecode:
		return "template_decode"
	default:
		return "unknown"
	}
}

// ShareError is the typed rejection returned by share validation.
type ShareError struct {
	Kind ErrorKind
	// ShareDifficulty is set for low difficulty rejections.
	ShareDifficulty float64
	Err             error
}

// Sentinels for errors.Is.
var (
	ErrInvalidNonce       = &ShareError{Kind: KindInvalidNonce}
	ErrDuplicatedShare    = &ShareError{Kind: KindDuplicatedShare}
	ErrLowDifficultyShare = &ShareError{Kind: KindLowDifficultyShare}
	ErrJobNotFound        = &ShareError{Kind: KindJobNotFound}
	ErrChainIndexMismatch = &ShareError{Kind: KindChainIndexMismatch}
	ErrTemplateDecode     = &ShareError{Kind: KindTemplateDecode}
)

// ErrJobIDCollision means the registry handed out an id that is already in
// use. It stops the coordinator of the affected work-stream.
var ErrJobIDCollision = errors.New("job id collision")

func newShareError(kind ErrorKind, err error) *ShareError {
	return &ShareError{Kind: kind, Err: err}
}

func (e *ShareError) Error() string {
	switch {
	case e.Kind == KindLowDifficultyShare:
		return fmt.Sprintf("%s (%.6f)", e.Kind, e.ShareDifficulty)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *ShareError) Unwrap() error { return e.Err }

// Is matches any ShareError of the same kind.
func (e *ShareError) Is(target error) bool {
	t, ok := target.(*ShareError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the rejection kind of err, or 0 when err is not a
// ShareError.
func KindOf(err error) ErrorKind {
	var se *ShareError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
