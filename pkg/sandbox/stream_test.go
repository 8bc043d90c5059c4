package sandbox

import (
	"bytes"
	"encoding/gob"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/stumble/jsbox/pkg/types"
)

type StreamServerTestSuite struct {
	suite.Suite
}

func TestStreamServerTestSuite(t *testing.T) {
	suite.Run(t, new(StreamServerTestSuite))
}

func (suite *StreamServerTestSuite) newSandbox(cfg Config) *Sandbox {
	sb, err := New(cfg)
	suite.Require().NoError(err)
	suite.T().Cleanup(sb.Close)
	return sb
}

func (suite *StreamServerTestSuite) TestOneRequest() {
	for _, tc := range []struct {
		name string
		req  types.EvalRequest
		res  types.EvalResponse
	}{
		{
			name: "simpleInt",
			req:  types.EvalRequest{ID: "x", Script: "1+1"},
			res:  types.EvalResponse{ID: "x", Result: ptr("2")},
		},
		{
			name: "simpleJSON",
			req:  types.EvalRequest{ID: "x", Script: `let v = {a:1, b:"xx"}; v;`},
			res:  types.EvalResponse{ID: "x", Result: ptr(`{"a":1,"b":"xx"}`)},
		},
		{
			name: "nil",
			req:  types.EvalRequest{ID: "y", Script: `const f = (a,b) => { return a + b; }`},
			res:  types.EvalResponse{ID: "y", Result: ptr("null")},
		},
		{
			name: "invalid code",
			req:  types.EvalRequest{ID: "e", Script: `const f = }`},
			res: types.EvalResponse{
				ID:    "e",
				Error: ptr("SyntaxError: Unexpected token '}'"),
				Kind:  types.KindSyntax,
			},
		},
		{
			name: "throw",
			req:  types.EvalRequest{ID: "t", Script: `throw new Error("boom")`},
			res: types.EvalResponse{
				ID:    "t",
				Error: ptr("Error: boom"),
				Kind:  types.KindRuntime,
			},
		},
	} {
		buf := &bytes.Buffer{}
		writeToBuf := gob.NewEncoder(buf)
		err := writeToBuf.Encode(tc.req)
		suite.NoError(err)
		result := &strings.Builder{}
		server := NewStreamServer(suite.newSandbox(DefaultConfig()), buf, result)
		err = server.Process()
		suite.Require().NoError(err, tc.name)
		res := &types.EvalResponse{}
		readFromBuf := gob.NewDecoder(strings.NewReader(result.String()))
		err = readFromBuf.Decode(res)
		suite.NoError(err)
		suite.Equal(tc.res, *res, tc.name)
	}
}

func (suite *StreamServerTestSuite) Test2Requests() {
	buf := &bytes.Buffer{}
	writeToBuf := gob.NewEncoder(buf)
	err := writeToBuf.Encode(types.EvalRequest{ID: "x", Script: "let a = 1+1; a;"})
	suite.NoError(err)
	err = writeToBuf.Encode(types.EvalRequest{ID: "y", Script: "let b = a+4; b;"})
	suite.NoError(err)

	result := &strings.Builder{}
	server := NewStreamServer(suite.newSandbox(DefaultConfig()), buf, result)
	err = server.Process()
	suite.Require().NoError(err)
	res := &types.EvalResponse{}
	readFromBuf := gob.NewDecoder(strings.NewReader(result.String()))
	err = readFromBuf.Decode(res)
	suite.NoError(err)
	suite.Equal(types.EvalResponse{ID: "x", Result: ptr("2")}, *res)
	res = &types.EvalResponse{}
	err = readFromBuf.Decode(res)
	suite.NoError(err)
	suite.Equal(types.EvalResponse{ID: "y", Result: ptr("6")}, *res)
}

func (suite *StreamServerTestSuite) TestPipeline() {
	// Create a pipe mimic from sender to receiver's stdin
	stdin, stdinWriter := io.Pipe()
	// Create a pipe mimic from receiver's stdout to reader
	stdoutReader, stdout := io.Pipe()

	cfg := DefaultConfig()
	cfg.Engine = EngineGoja
	cfg.Timeout = 200 * time.Millisecond
	server := NewStreamServer(suite.newSandbox(cfg), stdin, stdout)

	var wg sync.WaitGroup

	// simulate the child process
	wg.Add(1)
	go func() {
		defer wg.Done()
		suite.NoError(server.Process())
	}()

	// simulate the parent process
	wg.Add(1)
	go func() {
		defer wg.Done()

		encoder := types.NewEvalRequestEncoder(stdinWriter)
		decoder := types.NewEvalResponseDecoder(stdoutReader)
		for _, tc := range []struct {
			req types.EvalRequest
			res types.EvalResponse
		}{
			{
				req: types.EvalRequest{ID: "x", Script: "window.f = (a,b) => { return a + b; }"},
				res: types.EvalResponse{ID: "x", Result: ptr("null")},
			},
			{
				req: types.EvalRequest{ID: "y", Script: `let v = f(3,4); v;`},
				res: types.EvalResponse{ID: "y", Result: ptr("7")},
			},
			{
				req: types.EvalRequest{ID: "z", Script: `while(true){}`},
				res: types.EvalResponse{
					ID:    "z",
					Error: ptr("evaluation timed out after 200ms"),
					Kind:  types.KindTimeout,
				},
			},
			{
				req: types.EvalRequest{ID: "w", Script: `f(1,1)`},
				res: types.EvalResponse{ID: "w", Result: ptr("2")},
			},
		} {
			err := encoder.Encode(tc.req)
			suite.NoError(err)
			res := types.EvalResponse{}
			err = decoder.Decode(&res)
			suite.NoError(err)
			suite.Equal(tc.res, res)
		}
		suite.NoError(stdinWriter.Close())
	}()

	wg.Wait()
}

func ptr[T any](s T) *T {
	return &s
}
