// Package gateway sends outbound chat messages through the messaging
// gateway's REST API. Transient delivery failures are retried here, inside the
// client, so callers see a single success or failure.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/replyq/internal/logger"
)

type Options struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Attempts int
	Wait     time.Duration
}

type Client struct {
	http *http.Client
	opts Options
	log  *logger.Logger
}

func New(opts Options, log *logger.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.Wait <= 0 {
		opts.Wait = 2 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{http: &http.Client{Timeout: opts.Timeout}, opts: opts, log: log.With("component", "gateway")}
}

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Body) }

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// SendText delivers text to number through instance.
func (c *Client) SendText(ctx context.Context, instance, number, text string) error {
	body, err := json.Marshal(map[string]string{"number": number, "text": text})
	if err != nil {
		return err
	}
	endpoint := c.opts.BaseURL + "/message/sendText/" + url.PathEscape(instance)

	var lastErr error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		lastErr = c.post(ctx, endpoint, body)
		if lastErr == nil {
			return nil
		}
		var se *StatusError
		if errors.As(lastErr, &se) && !se.retryable() {
			return lastErr
		}
		c.log.Warn("send failed", "attempt", attempt, "attempts", c.opts.Attempts, "error", lastErr)
		if attempt == c.opts.Attempts {
			break
		}
		t := time.NewTimer(c.opts.Wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return errors.Wrapf(lastErr, "send to %s after %d attempts", number, c.opts.Attempts)
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.opts.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
}
