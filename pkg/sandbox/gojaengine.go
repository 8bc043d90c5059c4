package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/stumble/jsbox/pkg/types"
)

// gojaEngine runs scripts on a pure Go runtime. Unlike v8 it survives a
// timeout: the interrupt is cleared and the globals are kept.
type gojaEngine struct {
	origin    string
	vm        *goja.Runtime
	stringify goja.Callable
	closed    bool
}

func newGojaEngine(cfg Config) (*gojaEngine, error) {
	vm := goja.New()
	if cfg.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(cfg.MaxCallStackSize)
	}
	err := vm.Set(decodeHook, func(call goja.FunctionCall) goja.Value {
		out, ok := decodeBase64(call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind base64 decoder: %w", err)
	}
	if _, err := vm.RunScript(preludeName, prelude); err != nil {
		return nil, fmt.Errorf("failed to install prelude: %w", err)
	}
	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, fmt.Errorf("JSON.stringify is not a function")
	}
	return &gojaEngine{
		origin:    cfg.origin(),
		vm:        vm,
		stringify: stringify,
	}, nil
}

func (e *gojaEngine) Healthy() bool {
	return !e.closed
}

func (e *gojaEngine) Close() {
	e.closed = true
}

func (e *gojaEngine) Run(ctx context.Context, script string) (string, error) {
	if e.closed {
		return "", ErrClosed
	}
	program, err := goja.Compile(e.origin, script, false)
	if err != nil {
		return "", syntaxError(err)
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		e.vm.Interrupt(ErrorTimeout)
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
			e.vm.ClearInterrupt()
		}
	}()

	val, err := e.vm.RunProgram(program)
	if err != nil {
		return "", e.scriptError(err, runtimeError)
	}
	out, err := e.stringify(goja.Undefined(), val)
	if err != nil {
		return "", e.scriptError(err, encodingError)
	}
	// JSON.stringify yields undefined for undefined, functions and symbols
	if out == nil || goja.IsUndefined(out) {
		return "null", nil
	}
	return out.String(), nil
}

func (e *gojaEngine) scriptError(err error, wrap func(string) *types.ScriptError) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%w: %s", ErrorTimeout, interrupted.Error())
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		if val := exception.Value(); val != nil {
			return wrap(val.String())
		}
	}
	return wrap(err.Error())
}
