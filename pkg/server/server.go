// Package server maps HTTP requests onto sandbox evaluations.
//
// Any path is accepted, POST only. The request body is the script. A POST is
// always answered with 200 and either the JSON text of the result or the
// plain text error message; callers tell the two apart by trying to parse
// JSON.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/stumble/jsbox/pkg/types"
)

const DefaultMaxBodyBytes = 8 << 20

const msgBodyTooLarge = "request body too large"

// Submitter hands a script to the evaluation queue. *executor.Executor
// implements it.
type Submitter interface {
	Submit(ctx context.Context, script string) (string, error)
}

type Handler struct {
	exec         Submitter
	maxBodyBytes int64
}

type Option func(*Handler)

// WithMaxBodyBytes limits the script size. Zero or less disables the limit.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		h.maxBodyBytes = n
	}
}

func NewHandler(exec Submitter, opts ...Option) *Handler {
	h := &Handler{
		exec:         exec,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body := io.Reader(r.Body)
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, msgBodyTooLarge)
			return
		}
		logger.Debug().Err(err).Msg("failed to read request body")
		writeText(w, "failed to read request body: "+err.Error())
		return
	}
	script := strings.ToValidUTF8(string(raw), "�")

	res, err := h.exec.Submit(r.Context(), script)
	if err != nil {
		if r.Context().Err() != nil {
			logger.Debug().Err(err).Msg("client went away before evaluation finished")
			return
		}
		var scriptErr *types.ScriptError
		if errors.As(err, &scriptErr) {
			logger.Debug().Str("kind", string(scriptErr.Kind)).Msg("script failed")
		} else {
			logger.Warn().Err(err).Msg("evaluation unavailable")
		}
		writeText(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, res)
}

func writeText(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, msg)
}

// WithAccessLog wraps next with request scoped loggers and one access line per
// request.
func WithAccessLog(logger zerolog.Logger, next http.Handler) http.Handler {
	h := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(next)
	h = hlog.RemoteAddrHandler("remote")(h)
	h = hlog.RequestIDHandler("req_id", "")(h)
	return hlog.NewHandler(logger)(h)
}

// LogReady emits the readiness line for a bound listener. Supervisors wait
// for it before sending requests.
func LogReady(ln net.Listener) {
	log.Info().Str("addr", ln.Addr().String()).Msg(types.ReadyMessage)
}

// Serve serves h on ln until ctx is done, then shuts down within
// shutdownTimeout.
func Serve(ctx context.Context, ln net.Listener, h http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Msg("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
