// Package sandbox evaluates untrusted script text against a minimal emulated
// browser environment under a fixed time budget.
//
// A Sandbox is built once and reused. Only the bindings installed by the
// prelude (window, document, atob and inert timers) plus the engine's
// language built-ins are reachable from a script; nothing of the host
// process is exposed. Because the scope is reused, properties a script sets
// on window or document are visible to later scripts unless
// Config.ResetEachRequest is set.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stumble/jsbox/pkg/types"
)

// Sandbox is the long lived execution context. Evaluate calls are serialised.
type Sandbox struct {
	cfg Config

	mu     sync.Mutex
	engine Engine
	dirty  bool
	closed bool
}

// New validates cfg and builds the emulated globals.
func New(cfg Config) (*Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	engine, err := newEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s engine: %w", cfg.Engine, err)
	}
	log.Debug().Str("engine", string(cfg.Engine)).Msg("sandbox initialized")
	return &Sandbox{cfg: cfg, engine: engine}, nil
}

func (s *Sandbox) Config() Config {
	return s.cfg
}

// Evaluate runs script as a complete program and returns the JSON text of its
// completion value. Failures are *types.ScriptError, except ErrClosed.
//
// The time budget starts when Evaluate starts. Cancelling ctx does not stop a
// running evaluation; only the budget does.
func (s *Sandbox) Evaluate(ctx context.Context, script string) (res string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if err := s.prepare(); err != nil {
		return "", &types.ScriptError{Kind: types.KindInternal, Message: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.budget())
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("evaluation panicked, discarding engine")
			s.discard()
			res, err = "", &types.ScriptError{
				Kind:    types.KindInternal,
				Message: fmt.Sprintf("internal error: %v", r),
			}
		}
	}()

	s.dirty = true
	res, err = s.engine.Run(runCtx, script)
	if err != nil {
		return "", s.classify(err)
	}
	return res, nil
}

// Reset rebuilds the engine, dropping every global a script has set.
func (s *Sandbox) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.rebuild()
}

// Close free resources. Safe to call more than once.
func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discard()
	s.closed = true
}

// prepare makes sure a usable engine is in place. A process child applies
// ResetEachRequest itself.
func (s *Sandbox) prepare() error {
	switch {
	case s.engine == nil || !s.engine.Healthy():
		log.Debug().Str("engine", string(s.cfg.Engine)).Msg("rebuilding unhealthy engine")
		return s.rebuild()
	case s.cfg.ResetEachRequest && s.dirty && s.cfg.Engine != EngineProcess:
		return s.rebuild()
	}
	return nil
}

func (s *Sandbox) rebuild() error {
	s.discard()
	engine, err := newEngine(s.cfg)
	if err != nil {
		return fmt.Errorf("failed to rebuild %s engine: %w", s.cfg.Engine, err)
	}
	s.engine = engine
	s.dirty = false
	return nil
}

func (s *Sandbox) discard() {
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
}

func (s *Sandbox) classify(err error) error {
	var scriptErr *types.ScriptError
	switch {
	case errors.As(err, &scriptErr):
		return scriptErr
	case errors.Is(err, ErrorTimeout):
		return &types.ScriptError{
			Kind:    types.KindTimeout,
			Message: fmt.Sprintf("evaluation timed out after %s", s.cfg.Timeout),
		}
	}
	return &types.ScriptError{Kind: types.KindInternal, Message: err.Error()}
}
