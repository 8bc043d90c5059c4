package sandbox

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/stumble/jsbox/pkg/types"
)

// StreamServer answers gob encoded EvalRequests read from Input with one
// EvalResponse each on Output. It is the child side of the process engine.
type StreamServer struct {
	Sandbox *Sandbox
	Input   io.Reader
	Output  io.Writer
}

// NewStreamServer creates a StreamServer that reads from input and writes to output.
func NewStreamServer(sb *Sandbox, input io.Reader, output io.Writer) *StreamServer {
	return &StreamServer{
		Sandbox: sb,
		Input:   input,
		Output:  output,
	}
}

// NewStdioServer creates a StreamServer that reads from stdin and writes to stdout.
func NewStdioServer(sb *Sandbox) *StreamServer {
	return NewStreamServer(sb, os.Stdin, os.Stdout)
}

// Process serves requests until the input is exhausted.
func (s *StreamServer) Process() error {
	ctx := context.Background()
	in := gob.NewDecoder(s.Input)
	out := gob.NewEncoder(s.Output)

	for {
		var req types.EvalRequest
		err := in.Decode(&req)
		if err != nil {
			// end of input
			if err == io.EOF {
				return nil
			}
			// unexpected input, return error
			return fmt.Errorf("failed to decode req: %w", err)
		}

		res, err := s.Sandbox.Evaluate(ctx, req.Script)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			if err = out.Encode(errResult(req.ID, err)); err != nil {
				return err
			}
			continue
		}
		if err = out.Encode(jsonResult(req.ID, res)); err != nil {
			return err
		}
	}
}

func errResult(id string, err error) types.EvalResponse {
	errStr := err.Error()
	kind := types.KindInternal
	var scriptErr *types.ScriptError
	if errors.As(err, &scriptErr) {
		kind = scriptErr.Kind
	}
	return types.EvalResponse{
		ID:    id,
		Error: &errStr,
		Kind:  kind,
	}
}

func jsonResult(id string, json string) types.EvalResponse {
	return types.EvalResponse{
		ID:     id,
		Result: &json,
	}
}
