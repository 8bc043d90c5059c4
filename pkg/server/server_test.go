package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/stumble/jsbox/pkg/executor"
	"github.com/stumble/jsbox/pkg/sandbox"
	"github.com/stumble/jsbox/pkg/types"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	scripts []string
	res     string
	err     error
}

func (f *fakeSubmitter) Submit(_ context.Context, script string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
	return f.res, f.err
}

// trackingBody records whether the handler touched the request body.
type trackingBody struct {
	io.Reader
	read bool
}

func (b *trackingBody) Read(p []byte) (int, error) {
	b.read = true
	return b.Reader.Read(p)
}

type HandlerTestSuite struct {
	suite.Suite
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func (suite *HandlerTestSuite) serve(h http.Handler, method string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/anything/at/all", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func (suite *HandlerTestSuite) TestOnlyPost() {
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead, http.MethodOptions} {
		sub := &fakeSubmitter{res: "1"}
		body := &trackingBody{Reader: strings.NewReader("1+1")}
		rec := suite.serve(NewHandler(sub), method, body)
		suite.Equal(http.StatusMethodNotAllowed, rec.Code, method)
		suite.Empty(rec.Body.String(), method)
		suite.False(body.read, method)
		suite.Empty(sub.scripts, method)
	}
}

func (suite *HandlerTestSuite) TestResult() {
	sub := &fakeSubmitter{res: `{"a":1}`}
	rec := suite.serve(NewHandler(sub), http.MethodPost, strings.NewReader("({a:1})"))
	suite.Equal(http.StatusOK, rec.Code)
	suite.Equal("application/json", rec.Header().Get("Content-Type"))
	suite.Equal(`{"a":1}`, rec.Body.String())
	suite.Equal([]string{"({a:1})"}, sub.scripts)
}

func (suite *HandlerTestSuite) TestScriptError() {
	sub := &fakeSubmitter{err: &types.ScriptError{Kind: types.KindRuntime, Message: "Error: boom"}}
	rec := suite.serve(NewHandler(sub), http.MethodPost, strings.NewReader(`throw new Error("boom")`))
	suite.Equal(http.StatusOK, rec.Code)
	suite.Equal("text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	suite.Equal("Error: boom", rec.Body.String())
}

// failingBody fails every read with a non size related error.
type failingBody struct{}

func (failingBody) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func (suite *HandlerTestSuite) TestBodyReadFailure() {
	sub := &fakeSubmitter{res: "1"}
	rec := suite.serve(NewHandler(sub), http.MethodPost, failingBody{})
	suite.Equal(http.StatusOK, rec.Code)
	suite.Equal("failed to read request body: connection reset", rec.Body.String())
	suite.Empty(sub.scripts)
}

func (suite *HandlerTestSuite) TestStoppedExecutor() {
	sub := &fakeSubmitter{err: executor.ErrStopped}
	rec := suite.serve(NewHandler(sub), http.MethodPost, strings.NewReader("1"))
	suite.Equal(http.StatusOK, rec.Code)
	suite.Equal(executor.ErrStopped.Error(), rec.Body.String())
}

func (suite *HandlerTestSuite) TestBodyTooLarge() {
	sub := &fakeSubmitter{res: "1"}
	rec := suite.serve(NewHandler(sub, WithMaxBodyBytes(4)), http.MethodPost, strings.NewReader("1+1+1+1"))
	suite.Equal(http.StatusOK, rec.Code)
	suite.Equal(msgBodyTooLarge, rec.Body.String())
	suite.Empty(sub.scripts)

	rec = suite.serve(NewHandler(sub, WithMaxBodyBytes(0)), http.MethodPost, strings.NewReader(strings.Repeat("1", 1<<10)))
	suite.Equal("1", rec.Body.String())
	suite.Len(sub.scripts, 1)
}

func (suite *HandlerTestSuite) TestInvalidUTF8() {
	sub := &fakeSubmitter{res: "1"}
	suite.serve(NewHandler(sub), http.MethodPost, strings.NewReader("\"a\xffb\""))
	suite.Equal([]string{"\"a�b\""}, sub.scripts)
}

func (suite *HandlerTestSuite) TestClientGone() {
	sub := &fakeSubmitter{err: context.Canceled}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("1")).WithContext(ctx)
	rec := httptest.NewRecorder()
	NewHandler(sub).ServeHTTP(rec, req)
	suite.Empty(rec.Body.String())
}

// ServiceTestSuite runs the handler in front of a real executor and sandbox.
type ServiceTestSuite struct {
	suite.Suite
	sb   *sandbox.Sandbox
	exec *executor.Executor
	srv  *httptest.Server
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (suite *ServiceTestSuite) SetupTest() {
	cfg := sandbox.DefaultConfig()
	cfg.Engine = sandbox.EngineGoja
	cfg.Timeout = 300 * time.Millisecond
	sb, err := sandbox.New(cfg)
	suite.Require().NoError(err)
	suite.sb = sb
	suite.exec = executor.New(sb)
	suite.exec.Start()
	suite.srv = httptest.NewServer(WithAccessLog(zerolog.Nop(), NewHandler(suite.exec)))
}

func (suite *ServiceTestSuite) TearDownTest() {
	suite.srv.Close()
	suite.exec.Stop()
	suite.sb.Close()
}

func post(url, script string) (string, error) {
	res, err := http.Post(url, "text/plain", strings.NewReader(script))
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	return string(body), err
}

func (suite *ServiceTestSuite) post(script string) string {
	body, err := post(suite.srv.URL, script)
	suite.Require().NoError(err)
	return body
}

func (suite *ServiceTestSuite) TestEvaluate() {
	suite.Equal("2", suite.post("1+1"))
	suite.Equal(`{"a":[1,2]}`, suite.post("({a:[1,2]})"))
	suite.Equal("null", suite.post("function f(){}"))
	suite.Equal(`"hello"`, suite.post(`atob("aGVsbG8=")`))
	suite.Equal("Error: boom", suite.post(`throw new Error("boom")`))
}

func (suite *ServiceTestSuite) TestThrownPrimitiveIsNotJSON() {
	suite.Equal("Uncaught 42", suite.post("throw 42"))
	suite.Equal("Uncaught exception", suite.post("throw ''"))
}

func (suite *ServiceTestSuite) TestWrongMethod() {
	res, err := http.Get(suite.srv.URL)
	suite.Require().NoError(err)
	defer res.Body.Close()
	suite.Equal(http.StatusMethodNotAllowed, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	suite.NoError(err)
	suite.Empty(body)
}

func (suite *ServiceTestSuite) TestTimeoutThenRecovery() {
	start := time.Now()
	suite.Equal("evaluation timed out after 300ms", suite.post("while(true){}"))
	suite.Less(time.Since(start), 2*time.Second)
	suite.Equal("2", suite.post("1+1"))
}

func (suite *ServiceTestSuite) TestWindowPersists() {
	suite.Equal("null", suite.post("window.AJAX_TOKEN = 'abc';"))
	suite.Equal(`"abc"`, suite.post("window.AJAX_TOKEN"))
}

func (suite *ServiceTestSuite) TestTimersDoNotDelayResponse() {
	start := time.Now()
	suite.Equal("5", suite.post("setTimeout(function(){ window.fired = true; }, 1000); 5"))
	suite.Less(time.Since(start), time.Second)
	suite.Equal(`"undefined"`, suite.post("typeof window.fired"))
}

func (suite *ServiceTestSuite) TestConcurrentRequestsAreSerialised() {
	const n = 10
	results := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var body string
			body, errs[i] = post(suite.srv.URL, "window.n = (window.n || 0) + 1; window.n")
			if errs[i] == nil {
				results[i], errs[i] = strconv.Atoi(body)
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		suite.Require().NoError(err)
	}
	sort.Ints(results)
	for i := 0; i < n; i++ {
		suite.Equal(i+1, results[i])
	}
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	LogReady(ln)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, NewHandler(&fakeSubmitter{res: "7"}), time.Second)
	}()

	body, err := post("http://"+ln.Addr().String(), "7")
	require.NoError(t, err)
	require.Equal(t, "7", body)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
