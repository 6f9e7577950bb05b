package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-twin/internal/checkpoint"
	"github.com/miradorstack/mirador-twin/internal/models"
)

var errUnsettled = errors.New("previous batch was neither committed nor discarded")

// FileSourceOptions tunes a FileSource.
type FileSourceOptions struct {
	MaxFilesPerTrigger int
	SourceIDs          SourceIDResolver
}

// FileSource emits records from landing inputs that are new or changed since the last
// committed checkpoint. Marks for the inputs of the current batch are held until Commit.
type FileSource struct {
	landing Landing
	parser  *CSVParser
	store   *checkpoint.Store
	opts    FileSourceOptions
	logger  *slog.Logger
	now     func() time.Time

	pending []checkpoint.FileMark
	polled  bool
}

// NewFileSource wires a landing zone to the checkpoint store.
func NewFileSource(landing Landing, parser *CSVParser, store *checkpoint.Store, opts FileSourceOptions, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		landing: landing,
		parser:  parser,
		store:   store,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Poll reads every unconsumed input (up to MaxFilesPerTrigger) into one batch.
func (s *FileSource) Poll(ctx context.Context) (models.Batch, error) {
	if s.polled {
		return models.Batch{}, errUnsettled
	}

	objects, err := s.landing.List(ctx)
	if err != nil {
		return models.Batch{}, err
	}

	var (
		batch   models.Batch
		pending []checkpoint.FileMark
		columns []string
	)
	for _, obj := range objects {
		if s.opts.MaxFilesPerTrigger > 0 && len(pending) >= s.opts.MaxFilesPerTrigger {
			break
		}
		if err := ctx.Err(); err != nil {
			return models.Batch{}, err
		}

		mark, found, err := s.store.Mark(obj.Key)
		if err != nil {
			return models.Batch{}, err
		}
		skip := int64(0)
		if found {
			if mark.Size == obj.Size && mark.ETag == obj.ETag {
				continue
			}
			if s.landing.Appendable() && obj.Size > mark.Size {
				skip = mark.Rows
			} else {
				s.logger.Info("input rewritten, reading from the start", slog.String("key", obj.Key))
			}
		}

		result, err := s.read(ctx, obj, skip)
		if errors.Is(err, ErrInputVanished) {
			s.logger.Warn("input vanished before it was read", slog.String("key", obj.Key))
			continue
		}
		if err != nil {
			return models.Batch{}, err
		}

		batch.Records = append(batch.Records, result.Records...)
		batch.Malformed += result.Malformed
		columns = append(columns, result.Columns...)
		pending = append(pending, checkpoint.FileMark{
			Key:     obj.Key,
			Size:    obj.Size,
			ETag:    obj.ETag,
			ModTime: obj.ModTime,
			Rows:    result.Rows,
		})
	}

	if len(columns) > 0 {
		added, err := s.store.MergeColumns(columns)
		if err != nil {
			return models.Batch{}, err
		}
		if len(added) > 0 {
			s.logger.Info("schema columns discovered", slog.Any("columns", added))
		}
	}

	s.pending = pending
	s.polled = true
	return batch, nil
}

func (s *FileSource) read(ctx context.Context, obj Object, skip int64) (ParseResult, error) {
	body, err := s.landing.Open(ctx, obj.Key)
	if err != nil {
		return ParseResult{}, err
	}
	defer body.Close()

	var input io.Reader = body
	if s.landing.Appendable() {
		data, err := io.ReadAll(body)
		if err != nil {
			return ParseResult{}, fmt.Errorf("read %s: %w", obj.Key, err)
		}
		complete, held := completeLines(data)
		if held > 0 {
			s.logger.Debug("holding unterminated trailing line", slog.String("key", obj.Key), slog.Int("bytes", held))
		}
		input = bytes.NewReader(complete)
	}

	result, err := s.parser.Parse(obj.Key, input, skip, s.opts.SourceIDs.ForName(obj.Key), s.now())
	if err != nil {
		return ParseResult{}, fmt.Errorf("parse %s: %w", obj.Key, err)
	}
	// Rejected inputs stay consumed until they change.
	if result.Rejected {
		result.Rows = 0
	}
	return result, nil
}

// completeLines cuts data after its last newline. A writer may still be appending the
// remainder, so it is left for a later poll once the input grows.
func completeLines(data []byte) ([]byte, int) {
	cut := bytes.LastIndexByte(data, '\n') + 1
	return data[:cut], len(data) - cut
}

// Commit advances the checkpoint past every input of the last poll.
func (s *FileSource) Commit(_ context.Context) error {
	if err := s.store.Advance(s.pending); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	s.pending = nil
	s.polled = false
	return nil
}

// Discard forgets the last poll so the next one re-emits the same records.
func (s *FileSource) Discard(_ context.Context) error {
	s.pending = nil
	s.polled = false
	return nil
}

// Close is a no-op; the checkpoint store is owned by the caller.
func (s *FileSource) Close() error { return nil }
