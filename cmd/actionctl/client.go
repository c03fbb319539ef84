package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	apphttp "github.com/fyrsmithlabs/actiond/internal/http"
)

const maxResponseBytes = 4 << 20

// client talks to the actiond HTTP API.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends the request and returns the status and body. Transport failures
// are the only errors; callers judge the status.
func (c *client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	url := c.baseURL + path
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// call decodes the body into out when the status is one of ok, and turns
// anything else into an error carrying the server's message.
func (c *client) call(ctx context.Context, method, path string, body []byte, out any, ok ...int) (int, error) {
	if len(ok) == 0 {
		ok = []int{http.StatusOK}
	}
	status, data, err := c.do(ctx, method, path, body)
	if err != nil {
		return status, err
	}
	if !slices.Contains(ok, status) {
		return status, statusError(status, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return status, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return status, nil
}

func (c *client) get(ctx context.Context, path string, out any) error {
	_, err := c.call(ctx, http.MethodGet, path, nil, out)
	return err
}

func statusError(status int, data []byte) error {
	var e apphttp.ErrorResponse
	if err := json.Unmarshal(data, &e); err == nil && e.Error != "" {
		return fmt.Errorf("server returned status %d: %s", status, e.Error)
	}
	return fmt.Errorf("server returned status %d: %s", status, strings.TrimSpace(string(data)))
}
