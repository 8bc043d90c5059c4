package types

import (
	"encoding/gob"
	"io"
)

// ReadyMessage is the log message emitted once the HTTP listener is bound.
// Supervising processes wait for a line carrying it.
const ReadyMessage = "jsbox ready"

type ErrorKind string

const (
	KindSyntax   ErrorKind = "syntax"
	KindRuntime  ErrorKind = "runtime"
	KindTimeout  ErrorKind = "timeout"
	KindEncoding ErrorKind = "encoding"
	KindInternal ErrorKind = "internal"
	// KindUnknown is used by callers that only see the message text.
	KindUnknown ErrorKind = "unknown"
)

// ScriptError is a failed evaluation. Error returns the message alone, which
// is exactly what callers of the HTTP service receive.
type ScriptError struct {
	Kind    ErrorKind
	Message string
}

func (e *ScriptError) Error() string {
	return e.Message
}

// EvalRequest asks a sandbox process to evaluate Script.
type EvalRequest struct {
	ID     string `json:"id"`
	Script string `json:"script"`
}

// EvalResponse carries either the JSON text of the result or an error.
type EvalResponse struct {
	ID     string    `json:"id"`
	Error  *string   `json:"error,omitempty"`
	Kind   ErrorKind `json:"kind,omitempty"`
	Result *string   `json:"result,omitempty"`
}

// Err rebuilds the ScriptError carried by the response, or nil.
func (r EvalResponse) Err() *ScriptError {
	if r.Error == nil {
		return nil
	}
	kind := r.Kind
	if kind == "" {
		kind = KindUnknown
	}
	return &ScriptError{Kind: kind, Message: *r.Error}
}

// NewEvalRequestEncoder creates a new encoder for EvalRequest.
// NOTE: only one encoder should be created for a writer.
func NewEvalRequestEncoder(w io.Writer) *gob.Encoder {
	return gob.NewEncoder(w)
}

// NewEvalResponseDecoder creates a new decoder for EvalResponse.
// NOTE: only one decoder should be created for a reader.
func NewEvalResponseDecoder(r io.Reader) *gob.Decoder {
	return gob.NewDecoder(r)
}
