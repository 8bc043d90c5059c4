package sandbox

import (
	"fmt"
	"strings"
	"time"
)

type EngineKind string

const (
	EngineV8      EngineKind = "v8"
	EngineGoja    EngineKind = "goja"
	EngineProcess EngineKind = "process"
)

const (
	DefaultTimeout          = 2000 * time.Millisecond
	DefaultMaxHeapSizeMB    = 64
	DefaultMaxCallStackSize = 10000
	DefaultFileName         = "sandbox.js"
	DefaultKillGrace        = 500 * time.Millisecond
)

// Config describes how the execution scope is built and bounded.
type Config struct {
	Engine  EngineKind    `yaml:"engine"`
	Timeout time.Duration `yaml:"timeout"`
	// ResetEachRequest rebuilds the emulated globals before every evaluation.
	// When false, mutations to window/document survive into later requests.
	ResetEachRequest bool `yaml:"reset_each_request"`
	// MaxHeapSizeMB applies to the v8 engine only. V8 flags are process wide,
	// so the first engine created decides.
	MaxHeapSizeMB uint `yaml:"max_heap_mb"`
	// MaxCallStackSize applies to the goja engine only.
	MaxCallStackSize int           `yaml:"max_call_stack"`
	FileName         string        `yaml:"file_name"`
	Process          ProcessConfig `yaml:"process"`
}

// ProcessConfig controls the child process used by EngineProcess.
type ProcessConfig struct {
	// Binary is the jsbox executable to spawn. Empty means the running one.
	Binary string     `yaml:"binary"`
	Engine EngineKind `yaml:"engine"`
	// KillGrace is added to the timeout before the parent kills the child,
	// giving the child a chance to report its own timeout and stay alive.
	KillGrace time.Duration `yaml:"kill_grace"`

	// Args are passed to the child after the generated flags.
	Args []string `yaml:"-"`
	Env  []string `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Engine:           EngineV8,
		Timeout:          DefaultTimeout,
		MaxHeapSizeMB:    DefaultMaxHeapSizeMB,
		MaxCallStackSize: DefaultMaxCallStackSize,
		FileName:         DefaultFileName,
		Process: ProcessConfig{
			Engine:    EngineV8,
			KillGrace: DefaultKillGrace,
		},
	}
}

func (c Config) Validate() error {
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxCallStackSize < 0 {
		return fmt.Errorf("max call stack size must not be negative, got %d", c.MaxCallStackSize)
	}
	if c.Engine == EngineProcess {
		if c.Process.Engine == EngineProcess {
			return fmt.Errorf("process engine cannot run a process engine child")
		}
		if err := c.Process.Engine.validate(); err != nil {
			return fmt.Errorf("process: %w", err)
		}
		if c.Process.KillGrace < 0 {
			return fmt.Errorf("process: kill grace must not be negative, got %s", c.Process.KillGrace)
		}
	}
	return nil
}

func (k EngineKind) validate() error {
	switch k {
	case EngineV8, EngineGoja, EngineProcess:
		return nil
	}
	return fmt.Errorf("unknown engine: %q", k)
}

// budget is the deadline handed to the engine. The process engine gets the
// kill grace on top so the child normally times out first.
func (c Config) budget() time.Duration {
	if c.Engine == EngineProcess {
		return c.Timeout + c.Process.KillGrace
	}
	return c.Timeout
}

func (c Config) origin() string {
	name := c.FileName
	if name == "" {
		name = DefaultFileName
	}
	return strings.TrimSuffix(name, ".js") + ".js"
}
