// Package bridge relays completion events from external brokers into the
// internal event stream. Summarizer pipelines that cannot write the log
// directly publish to Kafka or RabbitMQ; a bridge validates each message and
// appends it to the stream named after its event kind.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coalesce/internal/domain"
	"coalesce/internal/stream"
)

// Appender is what a broker adapter needs from the core.
type Appender interface {
	Append(ctx context.Context, ev domain.Event) error
}

// StreamAppender appends events to the log, one stream per event kind.
type StreamAppender struct {
	log stream.Log
}

func NewStreamAppender(log stream.Log) *StreamAppender {
	return &StreamAppender{log: log}
}

func (a *StreamAppender) Append(ctx context.Context, ev domain.Event) error {
	fields, err := domain.EncodeFields(ev)
	if err != nil {
		return err
	}
	if _, err := a.log.Append(ctx, string(ev.Kind), fields); err != nil {
		return fmt.Errorf("append %s: %w", ev.Kind, err)
	}
	return nil
}

type jsonEnvelope struct {
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Meta      json.RawMessage `json:"meta"`
	Timestamp string          `json:"timestamp"`
}

// ParseEnvelope decodes one broker message body. The body mirrors the stream
// wire contract as a single JSON object; unknown names and keyless events are
// rejected here so a bad publisher cannot poison the internal stream.
func ParseEnvelope(body []byte) (domain.Event, error) {
	var in jsonEnvelope
	if err := json.Unmarshal(body, &in); err != nil {
		return domain.Event{}, fmt.Errorf("parse envelope: %w", err)
	}
	fields := map[string]string{
		domain.FieldName:      in.Name,
		domain.FieldData:      string(in.Data),
		domain.FieldMeta:      string(in.Meta),
		domain.FieldTimestamp: in.Timestamp,
	}
	if in.Timestamp == "" {
		fields[domain.FieldTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	ev, err := domain.DecodeFields("", fields)
	if err != nil {
		return domain.Event{}, err
	}
	if ev.Key() == "" {
		return domain.Event{}, errors.New("envelope carries no url")
	}
	return ev, nil
}

type temporary interface{ Temporary() bool }

// IsRetryable reports whether an append failure is worth redelivering.
func IsRetryable(err error) bool {
	var te temporary
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
