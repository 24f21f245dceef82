package memory

import (
	"context"
	"encoding/json"
	"testing"
)

func TestPublisherRecordsEncodedMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "lernfeed-runs", map[string]string{"stage": "scrape"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "lernfeed-alerts", map[string]string{"stage": "analyze"})
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	var decoded map[string]string
	if err := json.Unmarshal(msgs[0].Data, &decoded); err != nil {
		t.Fatalf("message data is not JSON: %v", err)
	}
	if decoded["stage"] != "scrape" {
		t.Fatalf("unexpected payload: %v", decoded)
	}
}

func TestPublisherByTopic(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	for _, stage := range []string{"scrape", "content", "analyze"} {
		if _, err := pub.Publish(ctx, "lernfeed-runs", map[string]string{"stage": stage}); err != nil {
			t.Fatalf("publish %s: %v", stage, err)
		}
	}
	if _, err := pub.Publish(ctx, "lernfeed-alerts", "budget exhausted"); err != nil {
		t.Fatalf("publish alert: %v", err)
	}

	runs := pub.ByTopic("lernfeed-runs")
	if len(runs) != 3 {
		t.Fatalf("expected 3 run messages, got %d", len(runs))
	}
	if alerts := pub.ByTopic("lernfeed-alerts"); len(alerts) != 1 {
		t.Fatalf("expected 1 alert message, got %d", len(alerts))
	}
	if none := pub.ByTopic("missing"); len(none) != 0 {
		t.Fatalf("expected no messages for unknown topic, got %d", len(none))
	}
}

func TestPublishRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	pub := New()
	if _, err := pub.Publish(context.Background(), "lernfeed-runs", make(chan int)); err == nil {
		t.Fatal("expected an error for a payload JSON cannot encode")
	}
	if len(pub.Messages()) != 0 {
		t.Fatal("failed publish must not be recorded")
	}
}

func TestMessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	pub := New()
	if _, err := pub.Publish(context.Background(), "lernfeed-runs", "x"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs := pub.Messages()
	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}
