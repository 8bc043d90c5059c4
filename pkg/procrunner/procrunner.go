package procrunner

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/stumble/jsbox/pkg/types"
)

var (
	ErrorTimeout = fmt.Errorf("timeout")
	ErrorClosed  = fmt.Errorf("closed")
	ErrorKilled  = fmt.Errorf("killed")
)

// Command is the child to spawn. The child must speak the gob protocol of
// sandbox.StreamServer on its stdin and stdout (`jsbox -stdio`).
type Command struct {
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
}

// ProcRunner is a runner that spawns a new process to evaluate scripts.
// It can safely enforce the memory limit and per-request timeout.
// ProcRunner is not supposed to be used concurrently, although it is safe to do so.
// ProcRunner must be closed after use.
type ProcRunner struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	encoder *gob.Encoder
	decoder *gob.Decoder

	mu  sync.Mutex
	seq uint64

	wg      sync.WaitGroup
	closeFn func()
	closed  atomic.Bool

	hooksMu     sync.Mutex
	postCloseFn []func()
}

// NewProcRunner starts the given command.
func NewProcRunner(c Command) (*ProcRunner, error) {
	cmd := exec.Command(c.Path, c.Args...) //nolint:gosec
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	// child logs are JSON lines on stderr
	cmd.Stderr = stderrLog{path: c.Path}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	proc := &ProcRunner{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		encoder: gob.NewEncoder(stdin),
		decoder: gob.NewDecoder(stdout),
		closeFn: sync.OnceFunc(func() {
			err := cmd.Process.Kill()
			if err != nil {
				log.Debug().Err(err).Msgf("sandbox process kill failed")
			}
		}),
	}

	proc.wg.Add(1)
	// uses Wait() to handle SIGCHLD to avoid zombie process.
	go func() {
		defer proc.wg.Done()
		err := cmd.Wait()
		proc.closed.Store(true)
		log.Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("sandbox process exited")
		// call postCloseFn only after the process is gone
		proc.hooksMu.Lock()
		hooks := proc.postCloseFn
		proc.hooksMu.Unlock()
		for _, f := range hooks {
			f()
		}
	}()
	return proc, nil
}

func (r *ProcRunner) IsClosed() bool {
	return r.closed.Load()
}

func (r *ProcRunner) Close() {
	r.closeFn()
	r.wg.Wait()
}

// RunCodeJSON runs the given code and returns the JSON result.
// There are multiple possible outcomes:
//  1. The process is killed by the runner because of timeout.
//     In this case, RunCodeJSON will return ErrorTimeout, and the runner will be closed.
//  2. The process dies on its own, e.g. because of the memory limit.
//     In this case, RunCodeJSON will return ErrorKilled. The runner is
//     unusable from then on and reports closed once the exit is reaped.
//  3. Successful execution.
//     a. If the script produced a value, RunCodeJSON will return its JSON.
//     b. If the script failed, RunCodeJSON will return a *types.ScriptError.
func (r *ProcRunner) RunCodeJSON(ctx context.Context, code string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// don't run if closed
	if r.IsClosed() {
		return "", ErrorClosed
	}

	r.seq++

	vals := make(chan string, 1)
	errs := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		req := types.EvalRequest{
			ID:     strconv.FormatUint(r.seq, 10),
			Script: code,
		}
		err := r.encoder.Encode(req)
		if err != nil {
			errs <- err
			return
		}

		var res types.EvalResponse
		err = r.decoder.Decode(&res)
		if err != nil {
			// error is EOF when the process is killed
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				errs <- ErrorKilled
				return
			}
			errs <- err
			return
		}
		if res.ID != req.ID {
			// should be impossible to reach here
			errs <- fmt.Errorf("unexpected id: %s", res.ID)
			return
		}
		if scriptErr := res.Err(); scriptErr != nil {
			errs <- scriptErr
			return
		}
		if res.Result == nil {
			errs <- fmt.Errorf("empty response for id: %s", res.ID)
			return
		}
		vals <- *res.Result
	}()

	select {
	case val := <-vals:
		return val, nil
	case err := <-errs:
		return "", err
	case <-ctx.Done():
		r.Close()
		// prevent goroutine leak
		// Close() would have killed the process and should
		// send an EOF to the decoder.
		wg.Wait()
		return "", ErrorTimeout
	}
}

// AddPostCloseFn adds a function to be called after the process has exited.
func (r *ProcRunner) AddPostCloseFn(f func()) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.postCloseFn = append(r.postCloseFn, f)
}

// stderrLog forwards the child's stderr to the debug log.
type stderrLog struct {
	path string
}

func (w stderrLog) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		log.Debug().Str("child", w.path).Str("stream", "stderr").Msg(line)
	}
	return len(p), nil
}
