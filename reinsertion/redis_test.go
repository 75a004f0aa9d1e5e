package reinsertion

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"disputeflow/violation"
)

func TestRedisStore_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL is empty; set it to a live Redis to run integration test")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewRedisStore(client)
	m := NewMonitor(store, WithWindow(48*time.Hour))
	tl := violation.Tradeline{Creditor: "Bank " + uuid.NewString(), Account: "****9999"}
	now := time.Now().UTC()

	if err := m.Open(ctx, "disp-redis", "Experian", []violation.Tradeline{tl}, now); err != nil {
		t.Fatalf("open: %v", err)
	}
	findings, err := m.Check(ctx, Fact{Tradeline: tl, EntityName: "Experian", ObservedAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected one finding, got %d", len(findings))
	}
	t.Cleanup(func() {
		client.Del(context.Background(), watchPrefix+tl.Key(), seenPrefix+findings[0].DedupeKey)
	})

	ok, err := m.Acknowledge(ctx, findings[0])
	if err != nil || !ok {
		t.Fatalf("expected first acknowledgement, got %v %v", ok, err)
	}
	ok, _ = m.Acknowledge(ctx, findings[0])
	if ok {
		t.Fatalf("expected duplicate acknowledgement to be rejected")
	}
	seen, err := store.Seen(ctx, findings[0].DedupeKey)
	if err != nil || !seen {
		t.Fatalf("expected marker to be visible, got %v %v", seen, err)
	}
}
