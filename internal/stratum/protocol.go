// Package stratum implements the Stratum V1 mining protocol: line-delimited
// JSON-RPC sessions and the request handler that connects them to the job
// engine.
package stratum

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Message is a Stratum JSON-RPC message as read off the wire.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Methods handled or sent by the server.
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodConfigure           = "mining.configure"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// Address returns the payout address part of "address.worker".
func (r *AuthorizeRequest) Address() string {
	addr, _, _ := strings.Cut(r.Username, ".")
	return addr
}

// Worker returns the worker part of "address.worker", or "default".
func (r *AuthorizeRequest) Worker() string {
	if _, worker, ok := strings.Cut(r.Username, "."); ok && worker != "" {
		return worker
	}
	return "default"
}

// SubmitRequest represents a mining.submit request. VersionBits is only set
// by miners that negotiated version rolling.
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	VersionBits string
}

// ConfigureRequest represents a mining.configure request.
type ConfigureRequest struct {
	Extensions []string
	Options    map[string]any
}

// wire shapes for outgoing messages; id, result and error are always present
type response struct {
	ID     any    `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

type request struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// ParseMessage parses a JSON-RPC message from raw bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes. Requests and
// notifications carry method and params; everything else is encoded as a
// response with explicit null result or error.
func MarshalMessage(msg *Message) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if msg.Method != "" {
		params := msg.Params
		if params == nil {
			params = []any{}
		}
		data, err = sonic.Marshal(&request{ID: msg.ID, Method: msg.Method, Params: params})
	} else {
		data, err = sonic.Marshal(&response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// NewResponse returns a result response to request id.
func NewResponse(id, result any) *Message {
	return &Message{ID: id, Result: result}
}

// NewErrorResponse returns an error response to request id.
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{ID: id, Error: &Error{Code: code, Message: message}}
}

// NewNotification returns a server push. Notifications have a null id.
func NewNotification(method string, params []any) *Message {
	return &Message{Method: method, Params: params}
}

// IsRequest reports whether m expects a response. Miners answering a
// server request send messages without a method, and those are ignored.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// param returns params[i] as a string. A missing or null entry is "" unless
// required.
func param(params []any, i int, name string, required bool) (string, error) {
	if i >= len(params) || params[i] == nil {
		if required {
			return "", fmt.Errorf("missing %s", name)
		}
		return "", nil
	}
	v, ok := params[i].(string)
	if !ok {
		return "", fmt.Errorf("%s must be string", name)
	}
	return v, nil
}

// ParseSubscribeRequest parses [user_agent, session_id], both optional. A
// session id of the wrong type is ignored.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	agent, err := param(params, 0, "user agent", false)
	if err != nil {
		return nil, err
	}
	session, _ := param(params, 1, "session id", false)
	return &SubscribeRequest{UserAgent: agent, SessionID: session}, nil
}

// ParseAuthorizeRequest parses [username, password]. The password is
// optional.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	username, err := param(params, 0, "username", true)
	if err != nil {
		return nil, err
	}
	if username == "" {
		return nil, fmt.Errorf("username must be a non-empty string")
	}
	password, err := param(params, 1, "password", false)
	if err != nil {
		return nil, err
	}
	return &AuthorizeRequest{Username: username, Password: password}, nil
}

// ParseSubmitRequest parses [username, job_id, extranonce2, ntime, nonce]
// with an optional trailing version_bits.
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters: got %d, want 5", len(params))
	}

	var f [6]string
	for i, name := range [...]string{"username", "job_id", "extranonce2", "ntime", "nonce", "version_bits"} {
		v, err := param(params, i, name, i < 5)
		if err != nil {
			return nil, err
		}
		f[i] = v
	}
	return &SubmitRequest{
		Username:    f[0],
		JobID:       f[1],
		ExtraNonce2: f[2],
		NTime:       f[3],
		Nonce:       f[4],
		VersionBits: f[5],
	}, nil
}

// ParseConfigureRequest parses [extensions, options].
func ParseConfigureRequest(params []any) (*ConfigureRequest, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("insufficient parameters")
	}
	list, ok := params[0].([]any)
	if !ok {
		return nil, fmt.Errorf("extensions must be a list")
	}

	req := &ConfigureRequest{Extensions: make([]string, 0, len(list)), Options: map[string]any{}}
	for i := range list {
		name, err := param(list, i, "extension name", true)
		if err != nil {
			return nil, err
		}
		req.Extensions = append(req.Extensions, name)
	}
	if len(params) > 1 {
		if opts, ok := params[1].(map[string]any); ok {
			req.Options = opts
		}
	}
	return req, nil
}
