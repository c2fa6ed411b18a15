package transcript

import (
	"testing"
	"time"
)

func TestIngestAssignsMonotonicSequence(t *testing.T) {
	r := New(Config{}, nil, nil)
	base := time.Unix(0, 0)

	r1, _ := r.Ingest(Segment{SessionID: "s1", UtteranceID: "u1", Timestamp: base})
	r2, _ := r.Ingest(Segment{SessionID: "s1", UtteranceID: "u1", Timestamp: base.Add(5 * time.Second)})

	if r1.Segments[0].SequenceNumber != 1 {
		t.Fatalf("expected first sequence 1, got %d", r1.Segments[0].SequenceNumber)
	}
	if len(r2.Segments) != 2 {
		t.Fatalf("expected 2 segments after second ingest, got %d", len(r2.Segments))
	}
}

func TestConfidenceBasedResolvesOverlap(t *testing.T) {
	r := New(Config{MergeOverlapThreshold: 300 * time.Millisecond, Strategy: ConfidenceBased}, nil, nil)
	base := time.Unix(0, 0)

	r.Ingest(Segment{SessionID: "s1", UtteranceID: "u1", Timestamp: base, Confidence: 0.6, Text: "low"})
	result, _ := r.Ingest(Segment{SessionID: "s1", UtteranceID: "u1", Timestamp: base.Add(100 * time.Millisecond), Confidence: 0.9, Text: "high"})

	if len(result.Segments) != 1 {
		t.Fatalf("expected overlap resolved to 1 segment, got %d", len(result.Segments))
	}
	if result.Segments[0].Text != "high" {
		t.Fatalf("expected highest-confidence segment kept, got %q", result.Segments[0].Text)
	}
	if result.ConflictsResolved != 1 {
		t.Fatalf("expected 1 conflict resolved, got %d", result.ConflictsResolved)
	}
}

func TestMergeStrategyCombinesText(t *testing.T) {
	r := New(Config{MergeOverlapThreshold: 300 * time.Millisecond, Strategy: Merge}, nil, nil)
	base := time.Unix(0, 0)

	r.Ingest(Segment{SessionID: "s1", UtteranceID: "u1", Timestamp: base, Confidence: 0.5, Text: "hi"})
	result, _ := r.Ingest(Segment{SessionID: "s1", UtteranceID: "u1", Timestamp: base.Add(50 * time.Millisecond), Confidence: 0.8, Text: "hello there"})

	if len(result.Segments) != 1 {
		t.Fatalf("expected 1 merged segment, got %d", len(result.Segments))
	}
	if result.Segments[0].Text != "hello there" {
		t.Fatalf("expected longest text kept, got %q", result.Segments[0].Text)
	}
	if result.SegmentsMerged != 1 {
		t.Fatalf("expected 1 segment merged, got %d", result.SegmentsMerged)
	}
}

func TestTransportPriorityPrefersSocket(t *testing.T) {
	r := New(Config{MergeOverlapThreshold: 300 * time.Millisecond, Strategy: TransportPriority}, nil, nil)
	base := time.Unix(0, 0)

	r.Ingest(Segment{SessionID: "s1", UtteranceID: "u1", Timestamp: base, Source: "batch", Text: "b"})
	result, _ := r.Ingest(Segment{SessionID: "s1", UtteranceID: "u1", Timestamp: base.Add(50 * time.Millisecond), Source: "websocket", Text: "w"})

	if result.Segments[0].Source != "websocket" {
		t.Fatalf("expected websocket segment preferred, got %q", result.Segments[0].Source)
	}
}

func TestContinuityFlaggedOnLargeDrift(t *testing.T) {
	r := New(Config{MaxTimestampDrift: time.Second}, nil, nil)
	base := time.Unix(0, 0)

	r.Ingest(Segment{SessionID: "s1", UtteranceID: "u1", Timestamp: base})
	result, _ := r.Ingest(Segment{SessionID: "s1", UtteranceID: "u2", Timestamp: base.Add(5 * time.Second)})

	if result.ContinuityMaintained {
		t.Fatal("expected continuity broken flagged")
	}
	if len(result.Segments) != 2 {
		t.Fatal("expected both segments still emitted despite broken continuity")
	}
}

func TestAnnounceTransportSwitchStampsRecentSegments(t *testing.T) {
	r := New(Config{SwitchStampWindow: 2 * time.Second}, nil, nil)
	base := time.Unix(100, 0)

	r.Ingest(Segment{SessionID: "s1", UtteranceID: "u1", Timestamp: base})
	r.Ingest(Segment{SessionID: "s1", UtteranceID: "u2", Timestamp: base.Add(10 * time.Second)})

	r.AnnounceTransportSwitch(base.Add(time.Second))

	result, _ := r.Ingest(Segment{SessionID: "s1", UtteranceID: "u3", Timestamp: base.Add(20 * time.Second)})
	var stamped int
	for _, s := range result.Segments {
		if s.TransportSwitchPoint {
			stamped++
		}
	}
	if stamped != 1 {
		t.Fatalf("expected exactly 1 segment stamped as transport switch point, got %d", stamped)
	}
}
