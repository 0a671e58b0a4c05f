// Package client talks to a running companion server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/lazypower/companion/internal/assembler"
	"github.com/lazypower/companion/internal/consolidation"
	"github.com/lazypower/companion/internal/store"
)

const (
	defaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 10 * time.Second
)

// Client is a JSON client for the companion API.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL uses COMPANION_URL, then
// http://127.0.0.1:37778.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("COMPANION_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Msg)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(bytes.TrimSpace(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Msg: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

// Context fetches assembled context. level is 1-3 or a level name.
func (c *Client) Context(ctx context.Context, level, query string) (*assembler.Context, error) {
	params := url.Values{}
	params.Set("level", level)
	if query != "" {
		params.Set("q", query)
	}
	var out assembler.Context
	if err := c.do(ctx, http.MethodGet, "/api/context?"+params.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit adds a temp fact to the inbox.
func (c *Client) Submit(ctx context.Context, text, source, hint string) (*store.TempFact, error) {
	body := map[string]string{"text": text, "source": source, "hint_key": hint}
	var out store.TempFact
	if err := c.do(ctx, http.MethodPost, "/api/tempfacts", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Consolidate runs a consolidation pass on the server.
func (c *Client) Consolidate(ctx context.Context, dryRun bool) (*consolidation.Report, error) {
	var out consolidation.Report
	path := "/api/consolidate?dry_run=" + strconv.FormatBool(dryRun)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve moves a temp fact awaiting review to approved.
func (c *Client) Approve(ctx context.Context, id string) (*store.TempFact, error) {
	var out store.TempFact
	if err := c.do(ctx, http.MethodPost, "/api/tempfacts/"+url.PathEscape(id)+"/approve", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reject moves a temp fact to rejected.
func (c *Client) Reject(ctx context.Context, id, reason string) (*store.TempFact, error) {
	var out store.TempFact
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/api/tempfacts/"+url.PathEscape(id)+"/reject", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
