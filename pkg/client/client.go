// Package client talks to a running jsbox service.
//
// The service answers every POST with status 200. A body that parses as JSON
// is the value of the script; anything else is the error message.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/stumble/jsbox/pkg/types"
)

const DefaultTimeout = 5 * time.Second

type Client struct {
	http *resty.Client
}

type Option func(*resty.Client)

// WithTimeout bounds each HTTP round trip. It should exceed the service's
// evaluation budget plus any queueing.
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) {
		c.SetTimeout(d)
	}
}

func New(baseURL string, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(DefaultTimeout)
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{http: rc}
}

// Eval evaluates script and returns the JSON of its value. A script failure is
// returned as *types.ScriptError with KindUnknown.
func (c *Client) Eval(ctx context.Context, script string) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetBody(script).
		Post("/")
	if err != nil {
		return nil, fmt.Errorf("failed to post script: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status())
	}
	body := resp.Body()
	if !json.Valid(body) {
		return nil, &types.ScriptError{Kind: types.KindUnknown, Message: string(body)}
	}
	return json.RawMessage(body), nil
}

// Exec evaluates script for its side effects only.
func (c *Client) Exec(ctx context.Context, script string) error {
	_, err := c.Eval(ctx, script)
	return err
}

// Get evaluates the expression name, usually a global set by an earlier
// Exec, and decodes its value into out.
func (c *Client) Get(ctx context.Context, name string, out any) error {
	raw, err := c.Eval(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}
