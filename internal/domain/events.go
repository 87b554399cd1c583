package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind names the finite set of events this system produces and consumes.
// Kinds double as stream names: an event of a given kind is appended to the
// stream carrying that name.
type EventKind string

const (
	KindWorkRequested  EventKind = "youtube_audio_requested"
	KindSummaryCreated EventKind = "summary_created"
	KindSummaryFailed  EventKind = "summary_failed"
)

// ErrUnknownEvent is returned when a decoded entry names a kind outside the
// union above. Unrecognized kinds are rejected, never silently skipped.
var ErrUnknownEvent = errors.New("unknown event kind")

// Field keys of the wire contract. Every entry carries exactly these four.
const (
	FieldName      = "name"
	FieldData      = "data"
	FieldMeta      = "meta"
	FieldTimestamp = "timestamp"
)

// Meta is the context carried beside every payload.
type Meta struct {
	RequestID string `json:"request_id"`
	URL       string `json:"url"`
}

type WorkRequestedPayload struct {
	URL string `json:"url"`
}

type SummaryCreatedPayload struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Summary string `json:"summary"`
}

type SummaryFailedPayload struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Event is a tagged union over the event kinds. Exactly one payload pointer
// is non-nil, matching Kind.
type Event struct {
	ID        string
	Kind      EventKind
	Meta      *Meta
	Timestamp time.Time

	WorkRequested  *WorkRequestedPayload
	SummaryCreated *SummaryCreatedPayload
	SummaryFailed  *SummaryFailedPayload
}

// Key returns the dedup key (the URL) the event refers to.
func (e Event) Key() string {
	switch e.Kind {
	case KindWorkRequested:
		if e.WorkRequested != nil {
			return e.WorkRequested.URL
		}
	case KindSummaryCreated:
		if e.SummaryCreated != nil {
			return e.SummaryCreated.URL
		}
	case KindSummaryFailed:
		if e.SummaryFailed != nil {
			return e.SummaryFailed.URL
		}
	}
	if e.Meta != nil {
		return e.Meta.URL
	}
	return ""
}

// EncodeFields serializes an event into the four-field wire form. The meta
// field encodes JSON null when no meta is attached.
func EncodeFields(e Event) (map[string]string, error) {
	var payload any
	switch e.Kind {
	case KindWorkRequested:
		payload = e.WorkRequested
	case KindSummaryCreated:
		payload = e.SummaryCreated
	case KindSummaryFailed:
		payload = e.SummaryFailed
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Kind)
	}
	if payload == nil {
		return nil, fmt.Errorf("event %q has no payload", e.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return map[string]string{
		FieldName:      string(e.Kind),
		FieldData:      string(data),
		FieldMeta:      string(meta),
		FieldTimestamp: ts.UTC().Format(time.RFC3339Nano),
	}, nil
}

// DecodeFields parses the wire form back into the union. A malformed payload
// or an unrecognized name is an error; the caller decides fail-stop policy.
func DecodeFields(id string, fields map[string]string) (Event, error) {
	e := Event{ID: id, Kind: EventKind(fields[FieldName])}

	if raw := fields[FieldTimestamp]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Event{}, fmt.Errorf("parse timestamp: %w", err)
		}
		e.Timestamp = ts.UTC()
	}

	if raw := fields[FieldMeta]; raw != "" && raw != "null" {
		var m Meta
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return Event{}, fmt.Errorf("parse meta: %w", err)
		}
		e.Meta = &m
	}

	data := []byte(fields[FieldData])
	switch e.Kind {
	case KindWorkRequested:
		var p WorkRequestedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("parse %s payload: %w", e.Kind, err)
		}
		e.WorkRequested = &p
	case KindSummaryCreated:
		var p SummaryCreatedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("parse %s payload: %w", e.Kind, err)
		}
		e.SummaryCreated = &p
	case KindSummaryFailed:
		var p SummaryFailedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("parse %s payload: %w", e.Kind, err)
		}
		e.SummaryFailed = &p
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Kind)
	}
	return e, nil
}
