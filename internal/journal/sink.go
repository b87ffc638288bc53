package journal

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/minio"
	prometheusAhsoka "git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/prometheus"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type Publisher interface {
	SendMessage(topic string, key, value []byte) (int32, int64, error)
}

type Archive interface {
	Upload(ctx context.Context, data []byte, key, contentType string) error
}

// Sink publishes journal records to Kafka, keyed by session id, and keeps a JSON copy in
// object storage. Writing the same record twice overwrites the archive copy and produces a
// duplicate message with the same key.
type Sink struct {
	Producer Publisher
	Archive  Archive
	Topic    string
	Prefix   string
}

func NewSink(producer Publisher, archive Archive) *Sink {
	return &Sink{
		Producer: producer,
		Archive:  archive,
		Topic:    config.Conf.KafkaJournalTopic,
		Prefix:   config.Conf.MinioTranscriptPrefix,
	}
}

func (s *Sink) Write(ctx context.Context, rec Record) error {
	start := time.Now()

	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	err = s.write(ctx, rec, payload)

	result := "ok"
	if err != nil {
		result = "error"
	}

	prometheusAhsoka.JournalWriteDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())

	return err
}

// Replay writes a record that was parked as a dead letter.
func (s *Sink) Replay(ctx context.Context, payload []byte) error {
	var rec Record

	err := json.Unmarshal(payload, &rec)
	if err != nil {
		return err
	}

	return s.write(ctx, rec, payload)
}

func (s *Sink) write(ctx context.Context, rec Record, payload []byte) error {
	if s.Archive != nil {
		key := minio.Key(s.Prefix, rec.OwnerID, rec.ConversationID, rec.SessionID+".json")

		err := s.Archive.Upload(ctx, payload, key, "application/json")
		if err != nil {
			logging.Logger.Error("[Write] Failed to archive journal record",
				zap.String("session_id", rec.SessionID),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return err
		}
	}

	partition, offset, err := s.Producer.SendMessage(s.Topic, []byte(rec.SessionID), payload)
	if err != nil {
		logging.Logger.Error("[Write] Failed to publish journal record",
			zap.String("session_id", rec.SessionID),
			zap.String("error", err.Error()),
		)

		return err
	}

	logging.Logger.Info("[Write] Journal record published",
		zap.String("session_id", rec.SessionID),
		zap.String("conversation_id", rec.ConversationID),
		zap.Int("entries", len(rec.Entries)),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return nil
}
