// Package validation holds the structural checks for submitted share fields.
// It answers "is this well formed", never "does this meet a target".
package validation

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/bardlex/gompcore/pkg/errors"
)

// CheckHex verifies that value is exactly size bytes of hex.
func CheckHex(field, value string, size int) error {
	if value == "" {
		return errors.New(errors.ErrorTypeValidation, "check_hex",
			fmt.Sprintf("%s is required", field))
	}

	if len(value) != size*2 {
		return errors.New(errors.ErrorTypeValidation, "check_hex",
			fmt.Sprintf("%s must be %d hex characters", field, size*2)).
			WithContext("length", len(value))
	}

	if _, err := hex.DecodeString(value); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "check_hex",
			fmt.Sprintf("%s is not valid hex", field))
	}

	return nil
}

// ParseUint32 parses an 8 character big-endian hex word as sent by stratum
// miners for ntime, nonce and version bits.
func ParseUint32(field, value string) (uint32, error) {
	if err := CheckHex(field, value, 4); err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(value, 16, 32)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "parse_uint32",
			fmt.Sprintf("%s is out of range", field))
	}
	return uint32(v), nil
}

// CheckNTime parses ntime and verifies it lies within maxSkew of reference.
func CheckNTime(ntime string, reference time.Time, maxSkew time.Duration) (uint32, error) {
	v, err := ParseUint32("ntime", ntime)
	if err != nil {
		return 0, err
	}

	shareTime := time.Unix(int64(v), 0)
	if shareTime.After(reference.Add(maxSkew)) {
		return 0, errors.New(errors.ErrorTypeValidation, "check_ntime", "ntime too far in future").
			WithContext("ntime", v)
	}
	if shareTime.Before(reference.Add(-maxSkew)) {
		return 0, errors.New(errors.ErrorTypeValidation, "check_ntime", "ntime too far in past").
			WithContext("ntime", v)
	}

	return v, nil
}

// CheckVersionBits parses rolled version bits and verifies that only bits
// inside mask are set.
func CheckVersionBits(bits string, mask uint32) (uint32, error) {
	v, err := ParseUint32("version bits", bits)
	if err != nil {
		return 0, err
	}

	if v&^mask != 0 {
		return 0, errors.New(errors.ErrorTypeValidation, "check_version_bits",
			"version bits outside the negotiated mask").
			WithContext("bits", fmt.Sprintf("%08x", v))
	}
	return v, nil
}
