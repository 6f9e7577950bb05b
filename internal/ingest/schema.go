// Package ingest turns landing inputs into feature records.
package ingest

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Schema is the declared schema hint: the ordered numeric feature columns every input must carry.
type Schema struct {
	Fields       []string
	SourceColumn string
}

// NewSchema validates the hint and returns a Schema.
func NewSchema(fields []string, sourceColumn string) (Schema, error) {
	if len(fields) == 0 {
		return Schema{}, errors.New("schema hint is empty")
	}
	sourceColumn = strings.TrimSpace(sourceColumn)
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			return Schema{}, errors.New("schema hint contains an empty field")
		}
		if _, dup := seen[f]; dup {
			return Schema{}, fmt.Errorf("schema hint lists %q twice", f)
		}
		if f == sourceColumn {
			return Schema{}, fmt.Errorf("schema field %q collides with the source id column", f)
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return Schema{Fields: out, SourceColumn: sourceColumn}, nil
}

// SourceIDResolver derives a record's twin id when the input carries no source-id column.
type SourceIDResolver struct {
	pattern  *regexp.Regexp
	fallback string
}

// NewSourceIDResolver compiles the optional filename pattern. The pattern must have one capture group.
func NewSourceIDResolver(filenamePattern, fallback string) (SourceIDResolver, error) {
	r := SourceIDResolver{fallback: fallback}
	if filenamePattern == "" {
		return r, nil
	}
	re, err := regexp.Compile(filenamePattern)
	if err != nil {
		return r, fmt.Errorf("compile source id pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return r, fmt.Errorf("source id pattern %q needs a capture group", filenamePattern)
	}
	r.pattern = re
	return r, nil
}

// ForName returns the id captured from the base name of key, or the configured default.
func (r SourceIDResolver) ForName(key string) string {
	if r.pattern != nil {
		if m := r.pattern.FindStringSubmatch(path.Base(key)); len(m) > 1 && m[1] != "" {
			return m[1]
		}
	}
	return r.fallback
}

// Default returns the configured fallback id.
func (r SourceIDResolver) Default() string {
	return r.fallback
}
