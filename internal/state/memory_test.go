package state

import (
	"context"
	"testing"
	"time"
)

func TestBlockRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, blocked, err := s.CheckBlock(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("CheckBlock: %v", err)
	}
	if blocked {
		t.Fatal("fresh store should not report blocked")
	}

	rec := BlockRecord{IP: "203.0.113.7", Reason: "hop limit exceeded", Score: 0.9, Source: "tarpit"}
	if _, err := s.PutBlock(ctx, rec, time.Hour); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}

	got, blocked, err := s.CheckBlock(ctx, "203.0.113.7")
	if err != nil || !blocked {
		t.Fatalf("expected blocked, got blocked=%v err=%v", blocked, err)
	}
	if got.Reason != "hop limit exceeded" || got.Score != 0.9 {
		t.Errorf("record mismatch: %+v", got)
	}
	if got.ExpiresAt.IsZero() {
		t.Error("ExpiresAt should be set")
	}
}

func TestPutBlockNeverShortens(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := BlockRecord{IP: "198.51.100.1", Reason: "scraping"}
	if _, err := s.PutBlock(ctx, rec, 10*time.Hour); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}

	// A shorter re-block keeps the longer remaining lifetime.
	effective, err := s.PutBlock(ctx, rec, time.Minute)
	if err != nil {
		t.Fatalf("PutBlock: %v", err)
	}
	if effective < 9*time.Hour {
		t.Errorf("effective TTL shortened to %s", effective)
	}

	// A longer re-block extends it.
	effective, err = s.PutBlock(ctx, rec, 48*time.Hour)
	if err != nil {
		t.Fatalf("PutBlock: %v", err)
	}
	if effective != 48*time.Hour {
		t.Errorf("effective TTL = %s, want 48h", effective)
	}
}

func TestBlockExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	now := base
	s.SetClock(func() time.Time { return now })

	if _, err := s.PutBlock(ctx, BlockRecord{IP: "192.0.2.2", Reason: "test"}, time.Minute); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}

	now = base.Add(2 * time.Minute)
	_, blocked, _ := s.CheckBlock(ctx, "192.0.2.2")
	if blocked {
		t.Error("block should have expired")
	}
	records, _ := s.ListBlocks(ctx)
	if len(records) != 0 {
		t.Errorf("ListBlocks returned %d records, want 0", len(records))
	}
}

func TestTarpitFlag(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	now := base
	s.SetClock(func() time.Time { return now })

	if err := s.MarkTarpit(ctx, "192.0.2.9", 5*time.Minute); err != nil {
		t.Fatalf("MarkTarpit: %v", err)
	}
	in, err := s.InTarpit(ctx, "192.0.2.9")
	if err != nil || !in {
		t.Fatalf("expected in tarpit, got in=%v err=%v", in, err)
	}

	now = base.Add(6 * time.Minute)
	in, _ = s.InTarpit(ctx, "192.0.2.9")
	if in {
		t.Error("flag should have expired")
	}
}

func TestRecordRequestWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	// First request: empty window, no previous.
	freq, err := s.RecordRequest(ctx, "192.0.2.5", base, time.Minute)
	if err != nil {
		t.Fatalf("RecordRequest: %v", err)
	}
	if freq.Count != 0 || freq.HasPrevious {
		t.Errorf("first request: count=%d hasPrevious=%v", freq.Count, freq.HasPrevious)
	}

	// Second request 200ms later.
	freq, _ = s.RecordRequest(ctx, "192.0.2.5", base.Add(200*time.Millisecond), time.Minute)
	if freq.Count != 1 {
		t.Errorf("count = %d, want 1 (excludes current)", freq.Count)
	}
	if !freq.HasPrevious || freq.SincePrevious != 200*time.Millisecond {
		t.Errorf("gap = %s hasPrevious=%v", freq.SincePrevious, freq.HasPrevious)
	}

	// A request past the window sees the stale entries trimmed.
	freq, _ = s.RecordRequest(ctx, "192.0.2.5", base.Add(2*time.Minute), time.Minute)
	if freq.Count != 0 {
		t.Errorf("count after window = %d, want 0", freq.Count)
	}
}

func TestHopCounter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	now := base
	s.SetClock(func() time.Time { return now })

	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrHops(ctx, "192.0.2.8", time.Hour)
		if err != nil {
			t.Fatalf("IncrHops: %v", err)
		}
		if got != want {
			t.Errorf("IncrHops = %d, want %d", got, want)
		}
	}

	if n, _ := s.Hops(ctx, "192.0.2.8"); n != 3 {
		t.Errorf("Hops = %d, want 3", n)
	}

	// Counter resets once the window lapses.
	now = base.Add(2 * time.Hour)
	if n, _ := s.Hops(ctx, "192.0.2.8"); n != 0 {
		t.Errorf("Hops after window = %d, want 0", n)
	}
	if n, _ := s.IncrHops(ctx, "192.0.2.8", time.Hour); n != 1 {
		t.Errorf("IncrHops after window = %d, want 1", n)
	}
}
