// Package resolver implements the HTTP client for the remote area service.
// The service speaks form-encoded POST requests and JSON responses over
// three endpoints: search, load (identifier resolution) and subareas
// (child discovery).
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/archive"
)

const (
	searchPath   = "/area/search"
	loadPath     = "/area/load"
	subareasPath = "/area/subareas"

	defaultTimeout = 15 * time.Second
)

// maxResponseBytes bounds how much of a service response is read. Area
// payloads are small JSON documents; anything larger is suspect.
const maxResponseBytes = 8 << 20

// Config captures the parameters for the area service client.
type Config struct {
	// BaseURL is the root of the area service, e.g. "https://example.net".
	BaseURL string
	// UserAgent is sent with every request.
	UserAgent string
	// Timeout bounds each request; defaults to 15s.
	Timeout time.Duration
}

// Client is an archive.Resolver backed by the remote area service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
}

// New creates a Client from config.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("resolver base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse resolver base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		userAgent:  cfg.UserAgent,
	}, nil
}

// Search returns the areas matching term. The whole call fails on transport
// errors, on an error-bearing response, and on a missing or non-list "areas"
// field; partial results are never returned.
func (c *Client) Search(ctx context.Context, term string) ([]archive.DiscoveredArea, error) {
	body, err := c.postForm(ctx, searchPath, url.Values{"term": {term}})
	if err != nil {
		return nil, err
	}

	var probe struct {
		Areas json.RawMessage `json:"areas"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("malformed search response: %w", err)
	}
	if probe.Error != "" {
		return nil, fmt.Errorf("search rejected by service: %s", probe.Error)
	}
	if len(probe.Areas) == 0 {
		return nil, fmt.Errorf("malformed search response: missing areas field")
	}
	var areas []archive.DiscoveredArea
	if err := json.Unmarshal(probe.Areas, &areas); err != nil {
		return nil, fmt.Errorf("malformed search response: areas is not a list: %w", err)
	}
	return areas, nil
}

// ResolveIdentifiers loads an area's canonical ID, access key and discovery
// payload. The full response body is carried as the opaque payload.
func (c *Client) ResolveIdentifiers(ctx context.Context, rawID string, forceRefresh bool) (archive.Resolution, error) {
	values := url.Values{
		"areaId":       {rawID},
		"forceRefresh": {strconv.FormatBool(forceRefresh)},
	}
	body, err := c.postForm(ctx, loadPath, values)
	if err != nil {
		return archive.Resolution{}, err
	}

	var meta struct {
		ID    string `json:"id"`
		Key   string `json:"key"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return archive.Resolution{}, fmt.Errorf("malformed load response for %q: %w", rawID, err)
	}
	if meta.Error != "" {
		return archive.Resolution{}, fmt.Errorf("load rejected for %q: %s", rawID, meta.Error)
	}
	if meta.ID == "" {
		return archive.Resolution{}, fmt.Errorf("load response for %q has no id", rawID)
	}
	return archive.Resolution{
		ID:      meta.ID,
		Key:     meta.Key,
		Payload: json.RawMessage(body),
	}, nil
}

// DiscoverChildren lists the sub-areas of a resolved area. An empty list is a
// valid answer; errors propagate to the caller.
func (c *Client) DiscoverChildren(ctx context.Context, resolvedID string) ([]archive.QueueEntry, error) {
	body, err := c.postForm(ctx, subareasPath, url.Values{"areaId": {resolvedID}})
	if err != nil {
		return nil, err
	}

	var resp struct {
		SubAreas []struct {
			Name    string          `json:"name"`
			ID      string          `json:"id"`
			Key     string          `json:"key"`
			Payload json.RawMessage `json:"payload"`
		} `json:"sub_areas"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed subareas response for %q: %w", resolvedID, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("subareas rejected for %q: %s", resolvedID, resp.Error)
	}

	children := make([]archive.QueueEntry, 0, len(resp.SubAreas))
	for _, sub := range resp.SubAreas {
		children = append(children, archive.QueueEntry{
			Name:    sub.Name,
			ID:      sub.ID,
			Key:     sub.Key,
			Payload: sub.Payload,
		})
	}
	return children, nil
}

func (c *Client) postForm(ctx context.Context, path string, values url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+path,
		strings.NewReader(values.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("request %s: unexpected status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", path, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response body from %s", path)
	}
	return body, nil
}
