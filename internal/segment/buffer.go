package segment

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/clock"
)

// Config bounds a Buffer's capacity and retention.
type Config struct {
	MaxSegments   int
	MaxMemoryBytes int64
	// BaseMaxAge is the retention ceiling for an unprocessed Normal-priority
	// segment; High and Critical scale up from it, while Low and processed
	// segments are retained at half of it.
	BaseMaxAge time.Duration
}

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Count      int
	Bytes      int64
	Overflows  int64
	Evictions  int64
}

// Buffer is a bounded store of AudioSegments keyed by id, with a
// priority/timestamp view for replay ordering and an unprocessed view.
// All three indexes are updated inside one critical section per
// mutation; the buffer is its own single writer.
type Buffer struct {
	cfg Config
	clk clock.Clock
	log *zap.Logger

	mu          sync.RWMutex
	byID        map[string]*AudioSegment
	ordered     []*AudioSegment // sorted priority desc, then created_at asc
	unprocessed map[string]struct{}
	bytes       int64
	overflows   int64
	evictions   int64
	seq         int64
}

// New builds a Buffer. A nil clock uses the real one; a nil logger is a
// no-op logger.
func New(cfg Config, clk clock.Clock, log *zap.Logger) *Buffer {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Buffer{
		cfg:         cfg,
		clk:         clk,
		log:         log,
		byID:        make(map[string]*AudioSegment),
		unprocessed: make(map[string]struct{}),
	}
}

// less implements the buffer's canonical ordering: priority desc, then
// created_at asc.
func less(a, b *AudioSegment) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Append inserts seg, assigning its SequenceID, evicting first if the
// insert would violate a capacity cap.
func (b *Buffer) Append(seg *AudioSegment) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	seg.SequenceID = b.seq

	if b.cfg.MaxSegments > 0 && len(b.byID) >= b.cfg.MaxSegments {
		b.evictOldestLocked()
	}
	if b.cfg.MaxMemoryBytes > 0 && b.bytes+int64(seg.Size()) > b.cfg.MaxMemoryBytes {
		b.evictForMemoryLocked(int64(seg.Size()))
	}

	b.insertLocked(seg)
}

func (b *Buffer) insertLocked(seg *AudioSegment) {
	b.byID[seg.ID] = seg
	b.bytes += int64(seg.Size())
	if !seg.IsProcessed {
		b.unprocessed[seg.ID] = struct{}{}
	}

	i := sort.Search(len(b.ordered), func(i int) bool { return less(seg, b.ordered[i]) })
	b.ordered = append(b.ordered, nil)
	copy(b.ordered[i+1:], b.ordered[i:])
	b.ordered[i] = seg
}

func (b *Buffer) removeLocked(id string) {
	seg, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	delete(b.unprocessed, id)
	b.bytes -= int64(seg.Size())

	for i, s := range b.ordered {
		if s.ID == id {
			b.ordered = append(b.ordered[:i], b.ordered[i+1:]...)
			break
		}
	}
}

// evictOldestLocked evicts the single oldest segment on item-count overflow.
func (b *Buffer) evictOldestLocked() {
	var oldest *AudioSegment
	for _, s := range b.byID {
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest != nil {
		b.removeLocked(oldest.ID)
		b.overflows++
		b.evictions++
	}
}

// evictForMemoryLocked evicts lowest-priority, then oldest segments
// until usage is at or below 80% of the memory cap (after accounting
// for the incoming segment of size incoming).
func (b *Buffer) evictForMemoryLocked(incoming int64) {
	target := int64(float64(b.cfg.MaxMemoryBytes) * 0.8)

	for b.bytes+incoming > target && len(b.byID) > 0 {
		victims := make([]*AudioSegment, 0, len(b.byID))
		for _, s := range b.byID {
			victims = append(victims, s)
		}
		sort.Slice(victims, func(i, j int) bool {
			if victims[i].Priority != victims[j].Priority {
				return victims[i].Priority < victims[j].Priority
			}
			return victims[i].CreatedAt.Before(victims[j].CreatedAt)
		})
		b.removeLocked(victims[0].ID)
		b.evictions++
	}
	b.overflows++
}

// Get returns the segment for id, if present.
func (b *Buffer) Get(id string) (*AudioSegment, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.byID[id]
	return s, ok
}

// MarkProcessed records the outcome of a transport attempt. On failure
// retry_count is incremented and the segment remains eligible for replay.
func (b *Buffer) MarkProcessed(id string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seg, ok := b.byID[id]
	if !ok {
		return
	}
	if success {
		seg.IsProcessed = true
		delete(b.unprocessed, id)
	} else {
		seg.RetryCount++
	}
}

// UnprocessedByPriority returns a snapshot of unprocessed segments in
// replay order (priority desc, created_at asc), optionally capped at limit.
func (b *Buffer) UnprocessedByPriority(limit int) []*AudioSegment {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*AudioSegment, 0, len(b.unprocessed))
	for _, s := range b.ordered {
		if _, ok := b.unprocessed[s.ID]; ok {
			out = append(out, s)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// RemoveWhere deletes every segment matching predicate, returning the
// count removed.
func (b *Buffer) RemoveWhere(predicate func(*AudioSegment) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := len(b.byID)
	var toRemove []string
	for id, s := range b.byID {
		if predicate(s) {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		b.removeLocked(id)
	}

	if before > 0 && len(toRemove)*10 > before {
		b.compactLocked()
	}
	return len(toRemove)
}

// compactLocked rebuilds the ordered slice to reclaim capacity after a
// large removal.
func (b *Buffer) compactLocked() {
	compacted := make([]*AudioSegment, len(b.ordered))
	copy(compacted, b.ordered)
	b.ordered = compacted
}

// maxAgeFor returns the retention ceiling for a segment, per the
// priority-dependent retention policy: processed segments live at half
// the base age; unprocessed critical segments live the longest (double
// the base), scaling down through the other priorities.
func (b *Buffer) maxAgeFor(s *AudioSegment) time.Duration {
	base := b.cfg.BaseMaxAge
	if s.IsProcessed {
		return base / 2
	}
	switch s.Priority {
	case Critical:
		return base * 2
	case High:
		return base + base/2
	case Normal:
		return base
	default:
		return base / 2
	}
}

// Cleanup removes segments older than their priority-dependent maximum
// age, processing at most maxPerPass segments so a cleanup pass never
// blocks writers for long.
func (b *Buffer) Cleanup(maxPerPass int) int {
	now := b.clk.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	var toRemove []string
	for id, s := range b.byID {
		if maxPerPass > 0 && len(toRemove) >= maxPerPass {
			break
		}
		if now.Sub(s.CreatedAt) > b.maxAgeFor(s) {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		b.removeLocked(id)
		removed++
	}
	return removed
}

// Stats returns a consistent snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Count:     len(b.byID),
		Bytes:     b.bytes,
		Overflows: b.overflows,
		Evictions: b.evictions,
	}
}

// Clear empties the buffer entirely, used by destroy().
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byID = make(map[string]*AudioSegment)
	b.unprocessed = make(map[string]struct{})
	b.ordered = nil
	b.bytes = 0
}
