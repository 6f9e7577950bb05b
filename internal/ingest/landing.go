package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInputVanished is returned by Landing.Open when a listed input was removed before it was read.
var ErrInputVanished = errors.New("landing input vanished")

// Object describes one input in a landing zone.
type Object struct {
	Key     string
	Size    int64
	ETag    string
	ModTime time.Time
}

// Landing lists and opens the inputs dropped into a landing zone.
type Landing interface {
	List(ctx context.Context) ([]Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Appendable reports whether inputs may grow in place, so a larger input resumes after its mark.
	Appendable() bool
}

// LocalLanding is a directory on the local filesystem.
type LocalLanding struct {
	dir     string
	pattern string
}

// NewLocalLanding returns a landing over dir, matching base names against pattern.
func NewLocalLanding(dir, pattern string) (*LocalLanding, error) {
	if dir == "" {
		return nil, fmt.Errorf("landing directory is required")
	}
	if pattern != "" {
		if _, err := filepath.Match(pattern, "probe"); err != nil {
			return nil, fmt.Errorf("invalid landing pattern %q: %w", pattern, err)
		}
	}
	return &LocalLanding{dir: dir, pattern: pattern}, nil
}

func (l *LocalLanding) List(ctx context.Context) ([]Object, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list landing %s: %w", l.dir, err)
	}
	objects := make([]Object, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !matchesPattern(l.pattern, name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		objects = append(objects, Object{
			Key:     name,
			Size:    info.Size(),
			ETag:    strconv.FormatInt(info.ModTime().UnixNano(), 16),
			ModTime: info.ModTime(),
		})
	}
	sortObjects(objects)
	return objects, nil
}

func (l *LocalLanding) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if strings.ContainsAny(key, `/\`) {
		return nil, fmt.Errorf("invalid landing key %q", key)
	}
	f, err := os.Open(filepath.Join(l.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrInputVanished)
		}
		return nil, err
	}
	return f, nil
}

func (l *LocalLanding) Appendable() bool { return true }

// matchesPattern skips hidden and in-progress files regardless of the pattern.
func matchesPattern(pattern, name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return false
	}
	if pattern == "" {
		return true
	}
	ok, _ := filepath.Match(pattern, name)
	return ok
}

// sortObjects orders inputs by arrival: modification time, then key.
func sortObjects(objects []Object) {
	sort.SliceStable(objects, func(i, j int) bool {
		if !objects[i].ModTime.Equal(objects[j].ModTime) {
			return objects[i].ModTime.Before(objects[j].ModTime)
		}
		return objects[i].Key < objects[j].Key
	})
}
