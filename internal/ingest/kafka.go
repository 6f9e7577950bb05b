package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miradorstack/mirador-twin/internal/models"
)

// kafkaReader is the subset of *kafka.Reader the source relies on.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOptions configures a KafkaSource.
type KafkaOptions struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
	MaxMessages int
	SourceIDs   SourceIDResolver
}

// KafkaSource reads CSV documents from a topic. Fetched messages are spooled until the
// batch is committed to the consumer group.
type KafkaSource struct {
	opts      KafkaOptions
	parser    *CSVParser
	logger    *slog.Logger
	newReader func() kafkaReader
	now       func() time.Time

	reader kafkaReader
	spool  []kafka.Message
}

// NewKafkaSource opens a consumer-group reader for opts.Topic.
func NewKafkaSource(opts KafkaOptions, parser *CSVParser, logger *slog.Logger) (*KafkaSource, error) {
	if len(opts.Brokers) == 0 || opts.Topic == "" || opts.GroupID == "" {
		return nil, errors.New("kafka source needs brokers, topic, and group id")
	}
	factory := func() kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        opts.Brokers,
			Topic:          opts.Topic,
			GroupID:        opts.GroupID,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		})
	}
	return newKafkaSource(opts, parser, logger, factory), nil
}

func newKafkaSource(opts KafkaOptions, parser *CSVParser, logger *slog.Logger, factory func() kafkaReader) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 500 * time.Millisecond
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 1000
	}
	return &KafkaSource{
		opts:      opts,
		parser:    parser,
		logger:    logger,
		newReader: factory,
		now:       time.Now,
		reader:    factory(),
	}
}

// Poll drains messages until the topic is idle for PollTimeout or MaxMessages are fetched.
func (s *KafkaSource) Poll(ctx context.Context) (models.Batch, error) {
	if len(s.spool) > 0 {
		return models.Batch{}, errUnsettled
	}

	var batch models.Batch
	for len(s.spool) < s.opts.MaxMessages {
		msg, err := s.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return models.Batch{}, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return models.Batch{}, fmt.Errorf("fetch from %s: %w", s.opts.Topic, err)
		}
		s.spool = append(s.spool, msg)

		origin := fmt.Sprintf("%s:%d", msg.Topic, msg.Partition)
		fallback := string(msg.Key)
		if fallback == "" {
			fallback = s.opts.SourceIDs.Default()
		}
		arrived := msg.Time
		if arrived.IsZero() {
			arrived = s.now()
		}
		result, err := s.parser.Parse(origin, bytes.NewReader(msg.Value), 0, fallback, arrived)
		if err != nil {
			s.logger.Warn("skipping unreadable message",
				slog.String("origin", origin),
				slog.Int64("offset", msg.Offset),
				slog.Any("error", err))
			batch.Malformed++
			continue
		}
		for _, rec := range result.Records {
			rec.Offset = msg.Offset<<16 | rec.Offset
			batch.Records = append(batch.Records, rec)
		}
		batch.Malformed += result.Malformed
	}
	return batch, nil
}

func (s *KafkaSource) fetch(ctx context.Context) (kafka.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.PollTimeout)
	defer cancel()
	return s.reader.FetchMessage(fetchCtx)
}

// Commit commits every spooled message to the consumer group.
func (s *KafkaSource) Commit(ctx context.Context) error {
	if len(s.spool) == 0 {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, s.spool...); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	s.spool = nil
	return nil
}

// Discard drops the spool and reopens the reader so uncommitted messages are redelivered.
func (s *KafkaSource) Discard(_ context.Context) error {
	s.spool = nil
	if err := s.reader.Close(); err != nil {
		s.logger.Warn("closing kafka reader", slog.Any("error", err))
	}
	s.reader = s.newReader()
	return nil
}

func (s *KafkaSource) Close() error {
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	return nil
}
