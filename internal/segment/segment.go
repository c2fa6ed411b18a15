// Package segment implements the bounded, priority-ordered audio
// segment buffer the replay engine drives after a transport switch.
package segment

import (
	"time"

	"github.com/google/uuid"
)

// Priority ranks a segment for eviction and replay ordering, highest
// first: Critical, High, Normal, Low.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	default:
		return "low"
	}
}

// DerivePriority implements the spec's voice-activity/duration heuristic:
// Critical if voice present and duration<2000ms; High if voice present;
// Normal if duration>1000ms; else Low.
func DerivePriority(voiceActive bool, durationMs int64) Priority {
	switch {
	case voiceActive && durationMs < 2000:
		return Critical
	case voiceActive:
		return High
	case durationMs > 1000:
		return Normal
	default:
		return Low
	}
}

// Metadata carries the segment's origin and session context.
type Metadata struct {
	SessionID      string
	ChunkIndex     int
	VoiceActive    bool
	OriginTransport string
	FallbackReason string
}

// AudioSegment is one buffered chunk of audio awaiting acknowledgment
// by a transport.
type AudioSegment struct {
	ID         string
	SequenceID int64
	CreatedAt  time.Time
	DurationMs int64
	Payload    []byte
	Priority   Priority
	IsProcessed bool
	RetryCount int
	Metadata   Metadata
}

// New builds an AudioSegment with a fresh id; SequenceID is assigned by
// the buffer at insertion.
func New(payload []byte, durationMs int64, meta Metadata, now time.Time) *AudioSegment {
	return &AudioSegment{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		DurationMs: durationMs,
		Payload:    payload,
		Priority:   DerivePriority(meta.VoiceActive, durationMs),
		Metadata:   meta,
	}
}

// Size approximates the segment's contribution to the buffer's memory cap.
func (s *AudioSegment) Size() int {
	return len(s.Payload)
}
