package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/miradorstack/mirador-twin/internal/cache"
	"github.com/miradorstack/mirador-twin/internal/models"
)

// twinGraph is the exported twin graph document.
type twinGraph struct {
	DigitalTwinsGraph struct {
		DigitalTwins  []models.Tree    `json:"digitalTwins"`
		Relationships []map[string]any `json:"relationships,omitempty"`
	} `json:"digitalTwinsGraph"`
}

// ParseTwinGraph indexes the twins of a graph document by $dtId.
func ParseTwinGraph(r io.Reader) (map[string]models.Tree, error) {
	var graph twinGraph
	if err := json.NewDecoder(r).Decode(&graph); err != nil {
		return nil, fmt.Errorf("decode twin graph: %w", err)
	}
	out := make(map[string]models.Tree, len(graph.DigitalTwinsGraph.DigitalTwins))
	for _, twin := range graph.DigitalTwinsGraph.DigitalTwins {
		id, _ := twin["$dtId"].(string)
		if id == "" {
			continue
		}
		out[id] = twin
	}
	return out, nil
}

// GraphDirectoryLoader reads the twin graph from a file path or an http(s) URL.
type GraphDirectoryLoader struct {
	location string
	client   *retryablehttp.Client
}

// NewGraphDirectoryLoader returns a loader for location.
func NewGraphDirectoryLoader(location string, timeout time.Duration) (*GraphDirectoryLoader, error) {
	if location == "" {
		return nil, errors.New("twin graph location is required")
	}
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.RetryMax = 2
	client.Logger = nil
	return &GraphDirectoryLoader{location: location, client: client}, nil
}

func (l *GraphDirectoryLoader) LoadDirectory(ctx context.Context) (map[string]models.Tree, error) {
	if strings.HasPrefix(l.location, "http://") || strings.HasPrefix(l.location, "https://") {
		req, err := retryablehttp.NewRequest(http.MethodGet, l.location, nil)
		if err != nil {
			return nil, err
		}
		resp, err := l.client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("fetch twin graph: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch twin graph: %s", resp.Status)
		}
		return ParseTwinGraph(resp.Body)
	}

	f, err := os.Open(l.location)
	if err != nil {
		return nil, fmt.Errorf("open twin graph: %w", err)
	}
	defer f.Close()
	return ParseTwinGraph(f)
}

type directorySource interface {
	LoadDirectory(ctx context.Context) (map[string]models.Tree, error)
}

// CachedDirectoryLoader shares directory snapshots between replicas through a cache.Provider.
type CachedDirectoryLoader struct {
	inner  directorySource
	cache  cache.Provider
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedDirectoryLoader wraps inner. A nil provider disables caching.
func NewCachedDirectoryLoader(inner directorySource, provider cache.Provider, key string, ttl time.Duration, logger *slog.Logger) *CachedDirectoryLoader {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDirectoryLoader{inner: inner, cache: provider, key: "twin-enricher:directory:" + key, ttl: ttl, logger: logger}
}

func (l *CachedDirectoryLoader) LoadDirectory(ctx context.Context) (map[string]models.Tree, error) {
	var twins map[string]models.Tree
	err := cache.GetJSON(ctx, l.cache, l.key, &twins)
	switch {
	case err == nil:
		return twins, nil
	case errors.Is(err, cache.ErrUndecodable):
		l.logger.Warn("discarding undecodable cached directory", slog.String("key", l.key))
		if err := l.cache.Del(ctx, l.key); err != nil {
			l.logger.Warn("directory cache delete failed", slog.Any("error", err))
		}
	case !errors.Is(err, cache.ErrCacheMiss):
		l.logger.Warn("directory cache unavailable", slog.Any("error", err))
	}

	twins, err = l.inner.LoadDirectory(ctx)
	if err != nil {
		return nil, err
	}
	if l.ttl > 0 && len(twins) > 0 {
		if err := cache.SetJSON(ctx, l.cache, l.key, twins, l.ttl); err != nil {
			l.logger.Warn("directory cache write failed", slog.Any("error", err))
		}
	}
	return twins, nil
}
