package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	v8 "github.com/stumble/v8go"
)

var setFlagsOnce sync.Once

// v8Engine owns one isolate and one context. A terminated isolate is not
// reused: after a timeout the engine closes itself and reports unhealthy.
type v8Engine struct {
	origin    string
	vm        *v8.Isolate
	codeCtx   *v8.Context
	stringify *v8.Function
	closed    bool
}

func newV8Engine(cfg Config) (*v8Engine, error) {
	if cfg.MaxHeapSizeMB > 0 {
		setFlagsOnce.Do(func() {
			v8.SetFlags(fmt.Sprintf("--max-heap-size=%d", cfg.MaxHeapSizeMB))
		})
	}
	vm := v8.NewIsolate()
	global := v8.NewObjectTemplate(vm)
	decode := v8.NewFunctionTemplate(vm, func(info *v8.FunctionCallbackInfo) *v8.Value {
		var in string
		if args := info.Args(); len(args) > 0 {
			in = args[0].String()
		}
		out, ok := decodeBase64(in)
		if !ok {
			return v8.Null(vm)
		}
		val, err := v8.NewValue(vm, out)
		if err != nil {
			return v8.Null(vm)
		}
		return val
	})
	if err := global.Set(decodeHook, decode); err != nil {
		vm.Dispose()
		return nil, fmt.Errorf("failed to bind base64 decoder: %w", err)
	}
	codeCtx := v8.NewContext(vm, global)
	e := &v8Engine{
		origin:  cfg.origin(),
		vm:      vm,
		codeCtx: codeCtx,
	}
	if _, err := codeCtx.RunScript(prelude, preludeName); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to install prelude: %w", err)
	}
	stringify, err := e.lookupStringify()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.stringify = stringify
	return e, nil
}

// lookupStringify keeps the original JSON.stringify so scripts replacing it
// cannot change how results are encoded.
func (e *v8Engine) lookupStringify() (*v8.Function, error) {
	jsonVal, err := e.codeCtx.Global().Get("JSON")
	if err != nil {
		return nil, fmt.Errorf("failed to look up JSON: %w", err)
	}
	jsonObj, err := jsonVal.AsObject()
	if err != nil {
		return nil, fmt.Errorf("JSON is not an object: %w", err)
	}
	fnVal, err := jsonObj.Get("stringify")
	if err != nil {
		return nil, fmt.Errorf("failed to look up JSON.stringify: %w", err)
	}
	fn, err := fnVal.AsFunction()
	if err != nil {
		return nil, fmt.Errorf("JSON.stringify is not a function: %w", err)
	}
	return fn, nil
}

func (e *v8Engine) Healthy() bool {
	return !e.closed
}

// Close free resources.
func (e *v8Engine) Close() {
	if e.closed {
		return
	}
	e.codeCtx.Close()
	e.vm.Dispose()
	e.closed = true
}

type v8Outcome struct {
	json string
	err  error
}

func (e *v8Engine) Run(ctx context.Context, script string) (string, error) {
	if e.closed {
		return "", ErrClosed
	}
	done := make(chan v8Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- v8Outcome{err: fmt.Errorf("v8 engine panic: %v", r)}
			}
		}()
		json, err := e.run(script)
		done <- v8Outcome{json: json, err: err}
	}()

	select {
	case o := <-done:
		return o.json, o.err
	case <-ctx.Done():
		e.vm.TerminateExecution()
		// wait for the script to unwind before touching the isolate again
		o := <-done
		e.Close()
		log.Debug().Err(o.err).Msg("v8 execution terminated")
		return "", fmt.Errorf("%w: %s", ErrorTimeout, ctx.Err())
	}
}

func (e *v8Engine) run(script string) (string, error) {
	compiled, err := e.vm.CompileUnboundScript(script, e.origin, v8.CompileOptions{})
	if err != nil {
		return "", syntaxError(err)
	}
	val, err := compiled.Run(e.codeCtx)
	if err != nil {
		return "", runtimeError(err.Error())
	}
	out, err := e.stringify.Call(v8.Undefined(e.vm), val)
	if err != nil {
		return "", encodingError(err.Error())
	}
	// JSON.stringify yields undefined for undefined, functions and symbols
	if out == nil || out.IsUndefined() {
		return "null", nil
	}
	return out.String(), nil
}
