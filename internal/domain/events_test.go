package domain

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 700000000, time.UTC)
	in := Event{
		Kind:          KindWorkRequested,
		Meta:          &Meta{RequestID: "r1", URL: "u1"},
		Timestamp:     ts,
		WorkRequested: &WorkRequestedPayload{URL: "u1"},
	}
	fields, err := EncodeFields(in)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{FieldName, FieldData, FieldMeta, FieldTimestamp} {
		if fields[k] == "" {
			t.Fatalf("field %q missing: %v", k, fields)
		}
	}

	out, err := DecodeFields("5", fields)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != "5" || out.Kind != KindWorkRequested {
		t.Fatalf("unexpected identity: %+v", out)
	}
	if out.WorkRequested == nil || out.WorkRequested.URL != "u1" {
		t.Fatalf("payload did not round trip: %+v", out)
	}
	if out.Meta == nil || out.Meta.RequestID != "r1" || out.Meta.URL != "u1" {
		t.Fatalf("meta did not round trip: %+v", out.Meta)
	}
	if !out.Timestamp.Equal(ts) {
		t.Fatalf("timestamp %v != %v", out.Timestamp, ts)
	}
}

func TestEncodeNilMetaIsNull(t *testing.T) {
	fields, err := EncodeFields(Event{Kind: KindSummaryCreated, SummaryCreated: &SummaryCreatedPayload{URL: "u", Summary: "s"}})
	if err != nil {
		t.Fatal(err)
	}
	if fields[FieldMeta] != "null" {
		t.Fatalf("meta = %q, want null", fields[FieldMeta])
	}
	out, err := DecodeFields("1", fields)
	if err != nil {
		t.Fatal(err)
	}
	if out.Meta != nil {
		t.Fatalf("expected nil meta, got %+v", out.Meta)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := DecodeFields("1", map[string]string{FieldName: "mystery", FieldData: "{}"})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err = %v, want ErrUnknownEvent", err)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	fields := map[string]string{
		FieldName:      string(KindSummaryCreated),
		FieldData:      "{not json",
		FieldMeta:      "null",
		FieldTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := DecodeFields("1", fields); err == nil {
		t.Fatal("expected payload parse error")
	}
}

func TestEventKey(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want string
	}{
		{"work", Event{Kind: KindWorkRequested, WorkRequested: &WorkRequestedPayload{URL: "a"}}, "a"},
		{"created", Event{Kind: KindSummaryCreated, SummaryCreated: &SummaryCreatedPayload{URL: "b"}}, "b"},
		{"failed", Event{Kind: KindSummaryFailed, SummaryFailed: &SummaryFailedPayload{URL: "c"}}, "c"},
		{"meta fallback", Event{Kind: KindSummaryCreated, Meta: &Meta{URL: "d"}}, "d"},
	}
	for _, tc := range cases {
		if got := tc.ev.Key(); got != tc.want {
			t.Fatalf("%s: key = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	if StateProcessing.Terminal() {
		t.Fatal("PROCESSING must not be terminal")
	}
	if !StateCompleted.Terminal() || !StateFailed.Terminal() {
		t.Fatal("COMPLETED and FAILED must be terminal")
	}
}
