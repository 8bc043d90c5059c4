package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/stumble/jsbox/pkg/procrunner"
)

// processEngine evaluates inside a child `jsbox -stdio` process. The child
// owns the globals; the parent only relays scripts and kills a stuck child.
type processEngine struct {
	runner *procrunner.ProcRunner
	broken bool
}

func newProcessEngine(cfg Config) (*processEngine, error) {
	cmd, err := childCommand(cfg)
	if err != nil {
		return nil, err
	}
	runner, err := procrunner.NewProcRunner(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start sandbox process: %w", err)
	}
	return &processEngine{runner: runner}, nil
}

// childCommand builds the command line of a child running in stdio mode with
// the same limits as the parent.
func childCommand(cfg Config) (procrunner.Command, error) {
	binary := cfg.Process.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return procrunner.Command{}, fmt.Errorf("failed to locate jsbox binary: %w", err)
		}
		binary = self
	}
	args := []string{
		"-stdio",
		"-engine", string(cfg.Process.Engine),
		"-timeout", cfg.Timeout.String(),
		"-max-heap", strconv.FormatUint(uint64(cfg.MaxHeapSizeMB), 10),
		"-max-call-stack", strconv.Itoa(cfg.MaxCallStackSize),
		"-file", cfg.origin(),
	}
	if cfg.ResetEachRequest {
		args = append(args, "-reset")
	}
	// extra args come last so they can override the generated flags
	args = append(args, cfg.Process.Args...)
	return procrunner.Command{
		Path: binary,
		Args: args,
		Env:  cfg.Process.Env,
	}, nil
}

func (e *processEngine) Run(ctx context.Context, script string) (string, error) {
	out, err := e.runner.RunCodeJSON(ctx, script)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, procrunner.ErrorTimeout):
		return "", fmt.Errorf("%w: sandbox process killed", ErrorTimeout)
	case errors.Is(err, procrunner.ErrorKilled):
		e.broken = true
	}
	return "", err
}

func (e *processEngine) Healthy() bool {
	return !e.broken && !e.runner.IsClosed()
}

func (e *processEngine) Close() {
	e.runner.Close()
}
