package stratum

import (
	"encoding/json"
	"fmt"
)

// MaxFrameBytes is the maximum length of a single line-delimited
// Stratum frame, not counting the trailing newline.
const MaxFrameBytes = 4096

type codecError string

func (e codecError) Error() string { return string(e) }

// ErrMalformedFrame is returned when a frame exceeds MaxFrameBytes or
// does not parse as JSON-RPC.
const ErrMalformedFrame codecError = "malformed frame"

// JSON-RPC error codes used on the share-ingest and handshake paths.
const (
	CodeParseError       = -32700
	CodeInvalidParams    = -32602
	CodeUnauthorized     = -32000
	CodeStaleShare       = -32001
	CodeInvalidProof     = -32002
	CodeDuplicateShare   = -32003
)

// Request is a client → pool JSON-RPC request: mining.subscribe,
// mining.authorize, mining.submit.
type Request struct {
	ID     int           `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// Response carries either Result or Error, keyed to the Request ID it
// answers.
type Response struct {
	ID     int          `json:"id"`
	Result interface{}  `json:"result,omitempty"`
	Error  *RPCError    `json:"error"`
}

// Notification is a pool → client message with no ID: mining.notify,
// mining.set_target.
type Notification struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DecodeRequest parses one line of input into a Request. It enforces
// MaxFrameBytes and requires a non-empty method.
func DecodeRequest(line []byte) (Request, error) {
	if len(line) > MaxFrameBytes {
		return Request{}, ErrMalformedFrame
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if req.Method == "" {
		return Request{}, fmt.Errorf("%w: missing method", ErrMalformedFrame)
	}
	return req, nil
}

// EncodeResponse serializes a Response as a single newline-terminated
// line.
func EncodeResponse(r Response) ([]byte, error) {
	return encodeLine(r)
}

// EncodeNotification serializes a Notification as a single
// newline-terminated line.
func EncodeNotification(n Notification) ([]byte, error) {
	return encodeLine(n)
}

func encodeLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// NewResultResponse builds a successful response.
func NewResultResponse(id int, result interface{}) Response {
	return Response{ID: id, Result: result}
}

// NewErrorResponse builds a JSON-RPC error response.
func NewErrorResponse(id int, code int, message string) Response {
	return Response{ID: id, Error: &RPCError{Code: code, Message: message}}
}

// NewSubscribeResult builds the result array mining.subscribe
// expects: [session_id, nonce_prefix_or_null].
func NewSubscribeResult(sessionID string, noncePrefix interface{}) []interface{} {
	return []interface{}{sessionID, noncePrefix}
}

// NewNotify builds a mining.notify notification.
func NewNotify(jobID, epochHashHex string, poolAddress interface{}, cleanJobs bool) Notification {
	return Notification{
		Method: "mining.notify",
		Params: []interface{}{jobID, epochHashHex, poolAddress, cleanJobs},
	}
}

// NewSetTarget builds a mining.set_target notification.
func NewSetTarget(target uint64) Notification {
	return Notification{
		Method: "mining.set_target",
		Params: []interface{}{target},
	}
}
