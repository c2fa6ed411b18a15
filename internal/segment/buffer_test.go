package segment

import (
	"testing"
	"time"

	"github.com/liveline-app/transcriber-core/internal/clock"
)

func mkSegment(id string, pri Priority, at time.Time) *AudioSegment {
	return &AudioSegment{ID: id, Priority: pri, CreatedAt: at, Payload: []byte("x")}
}

func TestAppend_ItemCountOverflowEvictsOldest(t *testing.T) {
	buf := New(Config{MaxSegments: 3}, clock.NewFake(time.Unix(0, 0)), nil)

	base := time.Unix(1000, 0)
	s1 := mkSegment("s1", Low, base)
	s2 := mkSegment("s2", High, base.Add(time.Second))
	s3 := mkSegment("s3", Critical, base.Add(2*time.Second))
	s4 := mkSegment("s4", Normal, base.Add(3*time.Second))

	buf.Append(s1)
	buf.Append(s2)
	buf.Append(s3)
	buf.Append(s4)

	stats := buf.Stats()
	if stats.Count != 3 {
		t.Fatalf("expected 3 segments, got %d", stats.Count)
	}
	if stats.Overflows != 1 {
		t.Fatalf("expected 1 overflow, got %d", stats.Overflows)
	}
	if _, ok := buf.Get("s1"); ok {
		t.Fatal("expected s1 to be evicted")
	}
	for _, id := range []string{"s2", "s3", "s4"} {
		if _, ok := buf.Get(id); !ok {
			t.Fatalf("expected %s to survive", id)
		}
	}
}

func TestSequenceIDIsStrictlyIncreasingInInsertionOrder(t *testing.T) {
	buf := New(Config{}, clock.NewFake(time.Unix(0, 0)), nil)
	base := time.Unix(2000, 0)

	ids := []string{"a", "b", "c"}
	for i, id := range ids {
		buf.Append(mkSegment(id, Normal, base.Add(time.Duration(i)*time.Second)))
	}

	var last int64
	for _, id := range ids {
		s, _ := buf.Get(id)
		if s.SequenceID <= last {
			t.Fatalf("sequence_id not increasing: %d after %d", s.SequenceID, last)
		}
		last = s.SequenceID
	}
}

func TestUnprocessedByPriorityOrdersCriticalFirst(t *testing.T) {
	buf := New(Config{}, clock.NewFake(time.Unix(0, 0)), nil)
	base := time.Unix(3000, 0)

	buf.Append(mkSegment("low", Low, base))
	buf.Append(mkSegment("crit", Critical, base.Add(time.Second)))
	buf.Append(mkSegment("high", High, base.Add(2*time.Second)))

	got := buf.UnprocessedByPriority(0)
	want := []string{"crit", "high", "low"}
	if len(got) != len(want) {
		t.Fatalf("expected %d segments, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestMarkProcessedRemovesFromUnprocessedView(t *testing.T) {
	buf := New(Config{}, clock.NewFake(time.Unix(0, 0)), nil)
	buf.Append(mkSegment("a", Normal, time.Unix(4000, 0)))

	buf.MarkProcessed("a", true)
	if got := buf.UnprocessedByPriority(0); len(got) != 0 {
		t.Fatalf("expected no unprocessed segments, got %d", len(got))
	}

	seg, _ := buf.Get("a")
	if !seg.IsProcessed {
		t.Fatal("expected segment to be marked processed")
	}
}

func TestMarkProcessedFailureIncrementsRetryCount(t *testing.T) {
	buf := New(Config{}, clock.NewFake(time.Unix(0, 0)), nil)
	buf.Append(mkSegment("a", Normal, time.Unix(5000, 0)))

	buf.MarkProcessed("a", false)
	seg, _ := buf.Get("a")
	if seg.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", seg.RetryCount)
	}
	if seg.IsProcessed {
		t.Fatal("expected segment to remain unprocessed")
	}
	if got := buf.UnprocessedByPriority(0); len(got) != 1 {
		t.Fatal("expected segment still in unprocessed view")
	}
}

func TestCleanupRemovesAgedSegments(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	buf := New(Config{BaseMaxAge: 10 * time.Second}, fc, nil)

	buf.Append(mkSegment("old-low", Low, fc.Now()))
	fc.Advance(20 * time.Second)
	buf.Append(mkSegment("fresh", Normal, fc.Now()))

	removed := buf.Cleanup(0)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := buf.Get("old-low"); ok {
		t.Fatal("expected aged-out low priority segment to be removed")
	}
	if _, ok := buf.Get("fresh"); !ok {
		t.Fatal("expected fresh segment to survive")
	}
}

func TestDerivePriority(t *testing.T) {
	cases := []struct {
		voice    bool
		duration int64
		want     Priority
	}{
		{true, 1000, Critical},
		{true, 3000, High},
		{false, 1500, Normal},
		{false, 500, Low},
	}
	for _, c := range cases {
		if got := DerivePriority(c.voice, c.duration); got != c.want {
			t.Fatalf("DerivePriority(%v, %d) = %v, want %v", c.voice, c.duration, got, c.want)
		}
	}
}
