package repo

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miradorstack/mirador-twin/internal/models"
)

const twinGraphDoc = `{
  "digitalTwinsGraph": {
    "digitalTwins": [
      {"$dtId": "Station1", "$metadata": {"$model": "dtmi:mixing:Station;1"}, "HealthPrediction": "OK",
       "BallBearings": {"$metadata": {}}},
      {"$dtId": "Station2", "$metadata": {"$model": "dtmi:mixing:Station;1"}},
      {"name": "orphan without id"}
    ],
    "relationships": [
      {"$sourceId": "Station1", "$targetId": "Station2", "$relationshipName": "feeds"}
    ]
  }
}`

func TestParseTwinGraphIndexesByID(t *testing.T) {
	f := filepath.Join(t.TempDir(), "TwinGraph.json")
	if err := os.WriteFile(f, []byte(twinGraphDoc), 0o644); err != nil {
		t.Fatalf("write graph: %v", err)
	}
	loader, err := NewGraphDirectoryLoader(f, time.Second)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	twins, err := loader.LoadDirectory(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(twins) != 2 {
		t.Fatalf("expected 2 twins, got %d", len(twins))
	}
	if twins["Station1"]["HealthPrediction"] != "OK" {
		t.Fatalf("unexpected Station1: %+v", twins["Station1"])
	}
}

func TestGraphDirectoryLoaderOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, twinGraphDoc)
	}))
	defer srv.Close()

	loader, err := NewGraphDirectoryLoader(srv.URL+"/twins/TwinGraph.json", time.Second)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	twins, err := loader.LoadDirectory(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := twins["Station2"]; !ok {
		t.Fatalf("expected Station2 in directory")
	}
}

type countingSource struct {
	calls int32
	twins map[string]models.Tree
}

func (c *countingSource) LoadDirectory(context.Context) (map[string]models.Tree, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.twins, nil
}

func TestCachedDirectoryLoaderServesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingSource{twins: map[string]models.Tree{"Station1": {"$dtId": "Station1"}}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader := NewCachedDirectoryLoader(inner, newStubCache(), "plant", time.Minute, logger)

	for i := 0; i < 3; i++ {
		twins, err := loader.LoadDirectory(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if twins["Station1"]["$dtId"] != "Station1" {
			t.Fatalf("unexpected twins: %+v", twins)
		}
	}
	if atomic.LoadInt32(&inner.calls) != 1 {
		t.Fatalf("expected one inner load, got %d", inner.calls)
	}

	uncached := NewCachedDirectoryLoader(inner, nil, "plant", time.Minute, logger)
	if _, err := uncached.LoadDirectory(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if atomic.LoadInt32(&inner.calls) != 2 {
		t.Fatalf("noop cache should always hit the source")
	}
}

func TestCachedDirectoryLoaderDropsCorruptEntry(t *testing.T) {
	ctx := context.Background()
	inner := &countingSource{twins: map[string]models.Tree{"Station2": {"$dtId": "Station2"}}}
	stub := newStubCache()
	stub.store["twin-enricher:directory:plant"] = []byte("{truncated")
	loader := NewCachedDirectoryLoader(inner, stub, "plant", time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	twins, err := loader.LoadDirectory(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := twins["Station2"]; !ok {
		t.Fatalf("expected reload from source, got %+v", twins)
	}
	if stub.deletes != 1 {
		t.Fatalf("expected corrupt entry deleted once, got %d", stub.deletes)
	}
	if _, err := loader.LoadDirectory(ctx); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if atomic.LoadInt32(&inner.calls) != 1 {
		t.Fatalf("rewritten cache entry should serve the second load, got %d source calls", inner.calls)
	}
}
