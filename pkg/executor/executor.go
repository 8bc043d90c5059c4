// Package executor serialises evaluations through a single worker.
//
// Connections are accepted concurrently by the transport; their scripts queue
// here and one goroutine drains them in order, so at most one script runs at
// any time.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stumble/jsbox/pkg/types"
)

const DefaultQueueSize = 64

var ErrStopped = errors.New("executor is stopped")

// Evaluator runs one script to completion. *sandbox.Sandbox implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, script string) (string, error)
}

// Observer is told about queue depth and finished evaluations. outcome is
// "ok" or the error kind.
type Observer interface {
	SetQueueDepth(n int)
	ObserveEvaluation(outcome string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) SetQueueDepth(int)                       {}
func (nopObserver) ObserveEvaluation(string, time.Duration) {}

type result struct {
	json string
	err  error
}

type job struct {
	id        string
	script    string
	ctx       context.Context
	abandoned atomic.Bool
	resultCh  chan result
}

type Option func(*Executor)

// WithQueueSize bounds the number of scripts waiting for the worker.
func WithQueueSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

type Executor struct {
	eval      Evaluator
	queueSize int
	observer  Observer

	jobs    chan *job
	depth   atomic.Int64
	stopped chan struct{}
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func New(eval Evaluator, opts ...Option) *Executor {
	e := &Executor{
		eval:      eval,
		queueSize: DefaultQueueSize,
		observer:  nopObserver{},
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.jobs = make(chan *job, e.queueSize)
	return e
}

// Start spawns the worker. It returns immediately.
func (e *Executor) Start() {
	e.wg.Add(1)
	go e.worker()
}

// Stop lets the in-flight evaluation finish, fails queued jobs with
// ErrStopped and waits for the worker to exit.
func (e *Executor) Stop() {
	e.once.Do(func() {
		log.Info().Msg("stopping executor")
		close(e.stopped)
	})
	e.wg.Wait()
}

// Submit queues script and waits for its result. If ctx ends while the
// script is still queued the job is dropped; once started it runs until it
// completes or times out, even if the caller has gone.
func (e *Executor) Submit(ctx context.Context, script string) (string, error) {
	j := &job{
		id:       uuid.NewString(),
		script:   script,
		ctx:      ctx,
		resultCh: make(chan result, 1),
	}

	select {
	case <-e.stopped:
		return "", ErrStopped
	default:
	}
	// count the job before the worker can see it
	e.observer.SetQueueDepth(int(e.depth.Add(1)))
	select {
	case e.jobs <- j:
	case <-e.stopped:
		e.observer.SetQueueDepth(int(e.depth.Add(-1)))
		return "", ErrStopped
	case <-ctx.Done():
		e.observer.SetQueueDepth(int(e.depth.Add(-1)))
		return "", ctx.Err()
	}

	select {
	case res := <-j.resultCh:
		return res.json, res.err
	case <-e.done:
		// the worker may have answered just before exiting
		select {
		case res := <-j.resultCh:
			return res.json, res.err
		default:
			return "", ErrStopped
		}
	case <-ctx.Done():
		j.abandoned.Store(true)
		return "", ctx.Err()
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	defer close(e.done)
	log.Debug().Msg("executor worker started")

	for {
		select {
		case <-e.stopped:
			e.drain()
			log.Debug().Msg("executor worker stopped")
			return
		case j := <-e.jobs:
			e.observer.SetQueueDepth(int(e.depth.Add(-1)))
			e.process(j)
		}
	}
}

func (e *Executor) process(j *job) {
	if j.abandoned.Load() || j.ctx.Err() != nil {
		log.Debug().Str("job_id", j.id).Msg("skipping abandoned job")
		return
	}
	logger := log.With().Str("job_id", j.id).Logger()
	logger.Debug().Int("script_bytes", len(j.script)).Msg("evaluating")

	start := time.Now()
	out, err := e.eval.Evaluate(j.ctx, j.script)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = string(types.KindInternal)
		var scriptErr *types.ScriptError
		if errors.As(err, &scriptErr) {
			outcome = string(scriptErr.Kind)
		}
		logger.Debug().Err(err).Str("outcome", outcome).Dur("elapsed", elapsed).Msg("evaluation failed")
	} else {
		logger.Debug().Dur("elapsed", elapsed).Msg("evaluation succeeded")
	}
	e.observer.ObserveEvaluation(outcome, elapsed)
	j.resultCh <- result{json: out, err: err}
}

func (e *Executor) drain() {
	for {
		select {
		case j := <-e.jobs:
			e.observer.SetQueueDepth(int(e.depth.Add(-1)))
			j.resultCh <- result{err: ErrStopped}
		default:
			return
		}
	}
}
