package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stumble/jsbox/pkg/types"
)

// Process is a jsbox service started by Launch.
type Process struct {
	Addr   string
	Client *Client

	cmd       *exec.Cmd
	closeOnce sync.Once
	waitErr   chan error
}

type LaunchOption func(*launchConfig)

type launchConfig struct {
	env     []string
	options []Option
}

// WithEnv appends variables to the child's environment.
func WithEnv(env ...string) LaunchOption {
	return func(c *launchConfig) {
		c.env = append(c.env, env...)
	}
}

// WithClientOptions configures the Client of the launched Process.
func WithClientOptions(opts ...Option) LaunchOption {
	return func(c *launchConfig) {
		c.options = append(c.options, opts...)
	}
}

// Launch starts binary as `binary [flags...] port host` and waits until it
// reports readiness on stdout. Port 0 picks a free port.
func Launch(ctx context.Context, binary string, host string, port int, flags []string, opts ...LaunchOption) (*Process, error) {
	cfg := launchConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	args := append([]string{"-log-format", "json"}, flags...)
	args = append(args, strconv.Itoa(port), host)
	cmd := exec.Command(binary, args...) //nolint:gosec
	if len(cfg.env) > 0 {
		cmd.Env = append(os.Environ(), cfg.env...)
	}
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	p := &Process{cmd: cmd, waitErr: make(chan error, 1)}
	addrCh := make(chan string, 1)
	go p.watch(stdout, addrCh)
	go func() {
		p.waitErr <- cmd.Wait()
	}()

	select {
	case addr, ok := <-addrCh:
		if !ok {
			_ = p.Close()
			return nil, errors.New("jsbox exited before it was ready")
		}
		p.Addr = addr
	case err := <-p.waitErr:
		p.waitErr <- err
		return nil, fmt.Errorf("jsbox exited before it was ready: %w", err)
	case <-ctx.Done():
		_ = p.Close()
		return nil, ctx.Err()
	}
	p.Client = New("http://"+p.Addr, cfg.options...)
	return p, nil
}

type logLine struct {
	Message string `json:"message"`
	Addr    string `json:"addr"`
}

// watch scans stdout for the readiness line, then keeps draining it so the
// child never blocks on a full pipe.
func (p *Process) watch(stdout io.Reader, addrCh chan<- string) {
	scanner := bufio.NewScanner(stdout)
	ready := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if ready {
			continue
		}
		var entry logLine
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if entry.Message == types.ReadyMessage {
			ready = true
			addrCh <- normalizeAddr(entry.Addr)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Msg("stopped reading jsbox stdout")
	}
	if !ready {
		close(addrCh)
	}
}

// normalizeAddr turns a wildcard listen address into one that can be dialled.
func normalizeAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "localhost"
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}

// Close kills the process and waits for it. Safe to call more than once.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = killErr
		}
		<-p.waitErr
	})
	return err
}
