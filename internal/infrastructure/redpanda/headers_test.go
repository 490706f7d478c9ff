package redpanda

import (
	"context"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: TopicPrescriptionEvents}
	InjectTraceContext(ctx, record)

	if got := Header(record, "traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("traceparent = %q", got)
	}

	extracted := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), record))
	if extracted.TraceID() != traceID || !extracted.IsRemote() {
		t.Errorf("extracted span context = %+v", extracted)
	}
}

func TestRecordCarrier_SetOverwrites(t *testing.T) {
	record := &kgo.Record{}
	c := recordCarrier{record: record}
	c.Set(HeaderEventType, "PrescriptionCreated")
	c.Set(HeaderEventType, "PrescriptionRefilled")

	if len(record.Headers) != 1 {
		t.Fatalf("headers = %d, want 1", len(record.Headers))
	}
	if got := c.Get(HeaderEventType); got != "PrescriptionRefilled" {
		t.Errorf("event type = %q", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("missing header = %q", got)
	}
}

func TestPermanent(t *testing.T) {
	cause := errors.New("bad payload")
	err := Permanent(cause)
	if !errors.Is(err, ErrPermanent) || !errors.Is(err, cause) {
		t.Errorf("Permanent(%v) = %v does not wrap both", cause, err)
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	configs := DefaultTopicConfigs(3)
	seen := map[string]bool{}
	for _, c := range configs {
		seen[c.Name] = true
		if c.ReplicationFactor != 3 {
			t.Errorf("%s replication = %d", c.Name, c.ReplicationFactor)
		}
	}
	for _, name := range []string{TopicPrescriptionEvents, TopicRefillRequests, TopicRefillResponses, TopicAuditTrail, TopicDeadLetter} {
		if !seen[name] {
			t.Errorf("topic %s missing", name)
		}
	}
	if got := *DefaultTopicConfigs(3)[0].Configs["min.insync.replicas"]; got != "2" {
		t.Errorf("min.insync.replicas = %s", got)
	}
	if got := DefaultTopicConfigs(0)[0].ReplicationFactor; got != 1 {
		t.Errorf("replication floor = %d", got)
	}
}
