// Package dataservice talks to Excel Online tables through Microsoft Graph.
package dataservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hyperengineering/bcmsync/internal/types"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Config configures a GraphClient.
type Config struct {
	// BaseURL is the workbook root, e.g.
	// https://graph.microsoft.com/v1.0/me/drive/items/{item-id}/workbook
	BaseURL string
	// Token is the bearer token supplied by the host.
	Token string
	// Timeout bounds every request. Defaults to 30s.
	Timeout time.Duration
	// RateLimit is the sustained request rate per second. Zero disables limiting.
	RateLimit float64
	Burst     int
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// GraphClient applies queued mutations to workbook tables.
type GraphClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a GraphClient.
func New(cfg Config) (*GraphClient, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if burst <= 0 {
			burst = 1
		}
	}

	return &GraphClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// CreateRecord adds a row. The payload is sent as the rows/add body,
// e.g. {"values":[["Billing","L2"]]}.
func (c *GraphClient) CreateRecord(ctx context.Context, target string, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, tablePath(target)+"/rows/add", payload, nil)
}

// UpdateRecord replaces the values of the row at index id.
func (c *GraphClient) UpdateRecord(ctx context.Context, target, id string, values json.RawMessage) error {
	path, err := rowPath(target, id)
	if err != nil {
		return err
	}
	body, err := json.Marshal(struct {
		Values json.RawMessage `json:"values"`
	}{values})
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// DeleteRecord removes the row at index id.
func (c *GraphClient) DeleteRecord(ctx context.Context, target, id string) error {
	path, err := rowPath(target, id)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

type rowsPage struct {
	Value    []types.Record `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// ListRecords returns every row of target, following @odata.nextLink.
// Links must stay on the workbook host; paging stops when a link repeats.
func (c *GraphClient) ListRecords(ctx context.Context, target string) ([]types.Record, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	records := []types.Record{}
	next := c.baseURL + tablePath(target) + "/rows"
	seen := make(map[string]bool)
	for next != "" && !seen[next] {
		seen[next] = true
		var page rowsPage
		if err := c.doURL(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		records = append(records, page.Value...)
		if page.NextLink == "" {
			break
		}
		link, err := base.Parse(page.NextLink)
		if err != nil {
			return nil, fmt.Errorf("parse nextLink: %w", err)
		}
		if link.Scheme != base.Scheme || link.Host != base.Host {
			return nil, fmt.Errorf("%w: %s", ErrForeignLink, link.Host)
		}
		next = link.String()
	}
	return records, nil
}

// Ping checks that the workbook endpoint answers. Any response below 500
// counts as reachable; authorization problems surface on the first drain.
func (c *GraphClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= 500 {
		return &StatusError{Method: http.MethodGet, Path: "/", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func (c *GraphClient) do(ctx context.Context, method, path string, body []byte, result any) error {
	return c.doURL(ctx, method, c.baseURL+path, body, result)
}

func (c *GraphClient) doURL(ctx context.Context, method, rawURL string, body []byte, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The next token arrives after ctx's deadline.
		return fmt.Errorf("rate limit wait: %w", context.DeadlineExceeded)
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, c.relative(rawURL), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp, method, rawURL)
	}

	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	return nil
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *GraphClient) statusError(resp *http.Response, method, rawURL string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{
		Method:     method,
		Path:       c.relative(rawURL),
		StatusCode: resp.StatusCode,
	}
	var ge graphError
	if err := json.Unmarshal(data, &ge); err == nil && ge.Error.Message != "" {
		se.Code = ge.Error.Code
		se.Message = ge.Error.Message
	} else {
		se.Message = strings.TrimSpace(string(data))
		if se.Message == "" {
			se.Message = http.StatusText(resp.StatusCode)
		}
	}
	return se
}

func (c *GraphClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// relative trims the base URL so errors and logs stay short.
func (c *GraphClient) relative(rawURL string) string {
	if p := strings.TrimPrefix(rawURL, c.baseURL); p != rawURL {
		return p
	}
	return rawURL
}

func tablePath(target string) string {
	return "/tables/" + url.PathEscape(target)
}

// rowPath addresses a row by its zero-based table index.
func rowPath(target, id string) (string, error) {
	index, err := strconv.Atoi(id)
	if err != nil || index < 0 {
		return "", fmt.Errorf("%w: record id %q is not a row index", ErrPermanent, id)
	}
	return fmt.Sprintf("%s/rows/itemAt(index=%d)", tablePath(target), index), nil
}
