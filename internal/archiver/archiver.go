// Package archiver executes the archive operation: fetch one area's content
// from the remote service and persist it durably through a blob store.
package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/archive"
)

const (
	downloadPath = "/area/download"

	defaultTimeout     = 60 * time.Second
	defaultContentType = "application/json"

	// maxContentBytes caps a single area download.
	maxContentBytes = 64 << 20
)

// Config captures the parameters for the archive operation.
type Config struct {
	// BaseURL is the root of the area service.
	BaseURL string
	// UserAgent is sent with every download request.
	UserAgent string
	// Prefix is prepended to blob paths.
	Prefix string
	// ContentType stored with each blob; defaults to application/json.
	ContentType string
	// Timeout bounds each download request; defaults to 60s.
	Timeout time.Duration
}

// Service downloads area content and writes it to a blob store, addressing
// content blobs by digest.
type Service struct {
	httpClient *http.Client
	blobs      archive.BlobStore
	hasher     archive.Hasher
	baseURL    string
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Service.
func New(blobs archive.BlobStore, hasher archive.Hasher, cfg Config, logger *zap.Logger) (*Service, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("archiver base URL is required")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		httpClient: &http.Client{Timeout: timeout},
		blobs:      blobs,
		hasher:     hasher,
		baseURL:    base,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Archive fetches the area identified by entry and stores its content plus
// the discovery payload. A service-side rejection comes back as an
// unsuccessful Status; transport and storage problems are returned as errors.
func (s *Service) Archive(ctx context.Context, entry archive.QueueEntry) (archive.Status, error) {
	if entry.ID == "" {
		return archive.Status{}, fmt.Errorf("entry has no id")
	}

	content, status, err := s.download(ctx, entry)
	if err != nil {
		return archive.Status{}, err
	}
	if !status.Success {
		return status, nil
	}

	hash, err := s.hasher.Hash(content)
	if err != nil {
		return archive.Status{}, fmt.Errorf("hash content for %q: %w", entry.ID, err)
	}
	uri, err := s.blobs.PutObject(ctx, s.blobPath(entry.ID, hash+".json"), s.cfg.ContentType, content)
	if err != nil {
		return archive.Status{}, fmt.Errorf("store content for %q: %w", entry.ID, err)
	}
	if len(entry.Payload) > 0 {
		// The discovery payload is stored verbatim next to the content.
		if _, err := s.blobs.PutObject(ctx, s.blobPath(entry.ID, "discovery.json"), s.cfg.ContentType, entry.Payload); err != nil {
			return archive.Status{}, fmt.Errorf("store discovery payload for %q: %w", entry.ID, err)
		}
	}

	s.logger.Debug("area content stored",
		zap.String("id", entry.ID),
		zap.String("uri", uri),
	)
	return archive.Status{Success: true, Msg: uri}, nil
}

func (s *Service) download(ctx context.Context, entry archive.QueueEntry) ([]byte, archive.Status, error) {
	values := url.Values{"areaId": {entry.ID}}
	if entry.Key != "" {
		values.Set("key", entry.Key)
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		s.baseURL+downloadPath,
		strings.NewReader(values.Encode()),
	)
	if err != nil {
		return nil, archive.Status{}, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, archive.Status{}, fmt.Errorf("download %q: %w", entry.ID, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
	if err != nil {
		return nil, archive.Status{}, fmt.Errorf("read content for %q: %w", entry.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, archive.Status{
			Success: false,
			Msg:     fmt.Sprintf("service returned status %d", resp.StatusCode),
		}, nil
	}

	// A well-formed body may still carry a service-level rejection.
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Error != "" {
		return nil, archive.Status{Success: false, Msg: probe.Error}, nil
	}
	if len(body) == 0 {
		return nil, archive.Status{Success: false, Msg: "empty content"}, nil
	}
	return body, archive.Status{Success: true}, nil
}

func (s *Service) blobPath(id, name string) string {
	prefix := strings.Trim(s.cfg.Prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", id, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, id, name)
}
