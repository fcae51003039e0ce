// Package client provides an HTTP client for the workbench API with retry
// and an event stream subscriber.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/pkg/protocol"
	"github.com/fruitsalade/workbench/pkg/retry"
)

// ErrOffline is returned by Ping when the server does not answer.
var ErrOffline = errors.New("server is offline")

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a workbench server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	log         *zap.Logger

	mu       sync.RWMutex
	online   bool
	lastSeen time.Time
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // per request; commands may need longer
	RetryConfig retry.Config
	Logger      *zap.Logger
}

// UploadFile is one file for Upload.
type UploadFile struct {
	Name string
	Body io.Reader
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		log:         cfg.Logger,
		online:      true,
	}
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// LastContact returns when the server last answered. It is zero until
// the first answer.
func (c *Client) LastContact() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.log.Info("server is back online", zap.String("url", c.baseURL))
		} else {
			c.log.Error("server is offline", zap.String("url", c.baseURL))
		}
	}
	c.online = online
	if online {
		c.lastSeen = time.Now()
	}
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var health protocol.HealthResponse
	if err := c.doOnce(ctx, http.MethodGet, "/health", nil, "", &health); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	return nil
}

// ListTree fetches the flat file listing.
func (c *Client) ListTree(ctx context.Context) ([]protocol.FileEntry, error) {
	var entries []protocol.FileEntry
	err := c.doRetry(ctx, http.MethodGet, "/api/files", nil, "", &entries)
	return entries, err
}

// ReadFile fetches one file.
func (c *Client) ReadFile(ctx context.Context, path string) (protocol.FileEntry, error) {
	var entry protocol.FileEntry
	err := c.doRetry(ctx, http.MethodGet, "/api/files/"+escapePath(path), nil, "", &entry)
	return entry, err
}

// Save writes content to path, creating parent directories.
func (c *Client) Save(ctx context.Context, path, content string) error {
	body, err := json.Marshal(protocol.SaveRequest{Path: path, Content: content})
	if err != nil {
		return err
	}
	return c.doRetry(ctx, http.MethodPost, "/api/files/save", body, "application/json", nil)
}

// Delete removes the file at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.doRetry(ctx, http.MethodDelete, "/api/files/"+escapePath(path), nil, "", nil)
}

// Upload sends files in one request. Zip archives are expanded by the
// server.
func (c *Client) Upload(ctx context.Context, files []UploadFile) ([]protocol.FileEntry, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		w, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(w, f.Body); err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var resp protocol.UploadResponse
	if err := c.doRetry(ctx, http.MethodPost, "/api/upload", buf.Bytes(), mw.FormDataContentType(), &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Execute runs command on the server. It is never retried. A command that
// ran but failed or timed out is reported in the result's Error field, not
// as an error.
func (c *Client) Execute(ctx context.Context, command string) (protocol.CommandResult, error) {
	var res protocol.CommandResult
	body, err := json.Marshal(protocol.ExecuteRequest{Command: command})
	if err != nil {
		return res, err
	}
	err = c.doOnce(ctx, http.MethodPost, "/api/execute", body, "application/json", &res)
	return res, err
}

// History fetches up to limit recent commands, newest first. limit <= 0
// uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]protocol.CommandResult, error) {
	path := "/api/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp protocol.HistoryResponse
	err := c.doRetry(ctx, http.MethodGet, path, nil, "", &resp)
	return resp.Commands, err
}

// doRetry performs an idempotent request, retrying transport errors and
// 5xx answers. body is resent on every attempt.
func (c *Client) doRetry(ctx context.Context, method, path string, body []byte, contentType string, out interface{}) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		err := c.doOnce(ctx, method, path, body, contentType, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode >= 500 {
				return retry.Retryable(err)
			}
			return err
		}
		if err != nil && ctx.Err() == nil {
			return retry.Retryable(err)
		}
		return err
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, contentType string, out interface{}) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()
	c.setOnline(true)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er protocol.ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er) == nil {
			apiErr.Message = er.Error
		}
		c.log.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("error", apiErr.Message))
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
