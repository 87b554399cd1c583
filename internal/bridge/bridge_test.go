package bridge

import (
	"context"
	"path/filepath"
	"testing"

	"coalesce/internal/domain"
	sqlitestream "coalesce/internal/stream/sqlite"
)

func TestParseEnvelope(t *testing.T) {
	ev, err := ParseEnvelope([]byte(`{"name":"summary_created","data":{"url":"https://youtu.be/dQw4w9WgXcQ","title":"t","summary":"s"},"meta":{"request_id":"r1","url":"https://youtu.be/dQw4w9WgXcQ"},"timestamp":"2026-01-01T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Kind != domain.KindSummaryCreated || ev.SummaryCreated.Summary != "s" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Meta == nil || ev.Meta.RequestID != "r1" {
		t.Fatalf("meta not decoded: %+v", ev.Meta)
	}
}

func TestParseEnvelopeDefaultsTimestamp(t *testing.T) {
	ev, err := ParseEnvelope([]byte(`{"name":"summary_failed","data":{"url":"https://youtu.be/dQw4w9WgXcQ","reason":"x"},"meta":null}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be defaulted")
	}
}

func TestParseEnvelopeRejects(t *testing.T) {
	cases := map[string]string{
		"not json":     `{`,
		"unknown kind": `{"name":"mystery","data":{}}`,
		"no url":       `{"name":"summary_failed","data":{"reason":"x"},"meta":null}`,
	}
	for name, body := range cases {
		if _, err := ParseEnvelope([]byte(body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestStreamAppenderRoutesByKind(t *testing.T) {
	log, err := sqlitestream.NewLog(filepath.Join(t.TempDir(), "stream.db"), sqlitestream.Options{})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close()

	a := NewStreamAppender(log)
	ev := domain.Event{
		Kind:           domain.KindSummaryCreated,
		SummaryCreated: &domain.SummaryCreatedPayload{URL: "https://youtu.be/dQw4w9WgXcQ", Summary: "s"},
	}
	if err := a.Append(context.Background(), ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	n, err := log.Length(context.Background(), string(domain.KindSummaryCreated))
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry on %s, got %d", domain.KindSummaryCreated, n)
	}
}
