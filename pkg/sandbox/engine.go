package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stumble/jsbox/pkg/types"
)

var (
	ErrorTimeout = fmt.Errorf("timeout")
	ErrClosed    = fmt.Errorf("sandbox is closed")
)

// Engine runs scripts against one execution scope. Implementations are not
// safe for concurrent use; Sandbox serialises calls.
type Engine interface {
	// Run evaluates script and returns the JSON text of its completion value.
	// Script failures are *types.ScriptError; an expired ctx yields an error
	// wrapping ErrorTimeout.
	Run(ctx context.Context, script string) (string, error)
	// Healthy reports whether the engine can take another script.
	Healthy() bool
	Close()
}

func newEngine(cfg Config) (Engine, error) {
	switch cfg.Engine {
	case EngineV8:
		return newV8Engine(cfg)
	case EngineGoja:
		return newGojaEngine(cfg)
	case EngineProcess:
		return newProcessEngine(cfg)
	}
	return nil, fmt.Errorf("unknown engine: %q", cfg.Engine)
}

func syntaxError(err error) *types.ScriptError {
	return &types.ScriptError{Kind: types.KindSyntax, Message: err.Error()}
}

// runtimeError reports an uncaught exception. The message never parses as
// JSON and is never empty: `throw 42` becomes "Uncaught 42".
func runtimeError(msg string) *types.ScriptError {
	switch {
	case msg == "":
		msg = "Uncaught exception"
	case json.Valid([]byte(msg)):
		msg = "Uncaught " + msg
	}
	return &types.ScriptError{Kind: types.KindRuntime, Message: msg}
}

func encodingError(msg string) *types.ScriptError {
	return &types.ScriptError{Kind: types.KindEncoding, Message: msg}
}
