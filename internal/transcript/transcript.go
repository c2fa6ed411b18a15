// Package transcript assigns durable identifiers to transcription
// results arriving from any transport and reconciles overlapping or
// out-of-order segments into a consolidated, continuity-checked stream.
package transcript

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/clock"
)

// MergeStrategy names one of the four overlap-resolution strategies.
type MergeStrategy int

const (
	ConfidenceBased MergeStrategy = iota
	TimestampPriority
	TransportPriority
	Merge
)

// Segment is one transcription result flowing through the reconciler.
type Segment struct {
	ID                   string
	SessionID            string
	UtteranceID          string
	SequenceNumber       int64
	Source               string
	Text                 string
	Confidence           float64
	StartTime            time.Time
	EndTime              time.Time
	Timestamp            time.Time
	IsPartial            bool
	IsFinal              bool
	TransportSwitchPoint bool
	// MergeHistory lists the ids of segments that lost an overlap
	// resolution to this one (empty if this segment was never in
	// conflict with another).
	MergeHistory []string
}

// interval returns the segment's effective [start, end) bounds, falling
// back to Timestamp as a zero-width interval when StartTime/EndTime are
// unset.
func (s Segment) interval() (time.Time, time.Time) {
	start, end := s.StartTime, s.EndTime
	if start.IsZero() {
		start = s.Timestamp
	}
	if end.IsZero() {
		end = s.Timestamp
	}
	if end.Before(start) {
		start, end = end, start
	}
	return start, end
}

// overlapAmount is positive when a and b's intervals overlap (by that
// duration), zero when they touch exactly, and negative (the gap size)
// when they don't overlap at all.
func overlapAmount(a, b Segment) time.Duration {
	aStart, aEnd := a.interval()
	bStart, bEnd := b.interval()

	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	return end.Sub(start)
}

// transportRank orders sources for TransportPriority resolution; lower
// ranks first. Unknown sources sort last.
var transportRank = map[string]int{
	"websocket":   0,
	"http_stream": 1,
	"batch":       2,
}

// ReconciliationResult is emitted once per Ingest call.
type ReconciliationResult struct {
	Segments           []Segment
	ConflictsResolved   int
	SegmentsMerged      int
	ContinuityMaintained bool
	Errors              []error
}

// Config configures a Reconciler.
type Config struct {
	MaxSegmentBuffer      int
	MergeOverlapThreshold time.Duration
	MaxTimestampDrift     time.Duration
	Strategy              MergeStrategy
	SwitchStampWindow     time.Duration
}

type sessionState struct {
	window             []Segment
	sequence           int64
	currentUtteranceID string
}

// Reconciler maintains per-session FIFO windows and resolves overlaps.
type Reconciler struct {
	cfg Config
	clk clock.Clock
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New builds a Reconciler. A nil clock uses the real one.
func New(cfg Config, clk clock.Clock, log *zap.Logger) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxSegmentBuffer <= 0 {
		cfg.MaxSegmentBuffer = 200
	}
	if cfg.MergeOverlapThreshold <= 0 {
		cfg.MergeOverlapThreshold = 300 * time.Millisecond
	}
	if cfg.MaxTimestampDrift <= 0 {
		cfg.MaxTimestampDrift = 2 * time.Second
	}
	if cfg.SwitchStampWindow <= 0 {
		cfg.SwitchStampWindow = 2 * time.Second
	}
	return &Reconciler{
		cfg:      cfg,
		clk:      clk,
		log:      log.With(zap.String("component", "transcript_reconciler")),
		sessions: make(map[string]*sessionState),
	}
}

// Ingest assigns identifiers to raw, buffers it into its session's
// window, and returns the reconciled result for the whole window's
// current state plus the identifier-assigned copy of raw itself.
func (r *Reconciler) Ingest(raw Segment) (ReconciliationResult, Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if raw.ID == "" {
		raw.ID = uuid.NewString()
	}
	if raw.SessionID == "" {
		raw.SessionID = "default"
	}

	st, ok := r.sessions[raw.SessionID]
	if !ok {
		st = &sessionState{currentUtteranceID: uuid.NewString()}
		r.sessions[raw.SessionID] = st
	}
	if raw.UtteranceID == "" {
		raw.UtteranceID = st.currentUtteranceID
	}

	st.sequence++
	raw.SequenceNumber = st.sequence

	st.window = append(st.window, raw)
	if len(st.window) > r.cfg.MaxSegmentBuffer {
		st.window = st.window[len(st.window)-r.cfg.MaxSegmentBuffer:]
	}

	return r.reconcileLocked(st), raw
}

func (r *Reconciler) reconcileLocked(st *sessionState) ReconciliationResult {
	grouped := make(map[string][]Segment)
	for _, s := range st.window {
		grouped[s.UtteranceID] = append(grouped[s.UtteranceID], s)
	}

	var result ReconciliationResult
	var consolidated []Segment

	for _, group := range grouped {
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].Timestamp.Equal(group[j].Timestamp) {
				return group[i].Timestamp.Before(group[j].Timestamp)
			}
			return group[i].SequenceNumber < group[j].SequenceNumber
		})

		resolved, conflicts, merged, errs := r.resolveOverlaps(group)
		result.ConflictsResolved += conflicts
		result.SegmentsMerged += merged
		result.Errors = append(result.Errors, errs...)
		consolidated = append(consolidated, resolved...)
	}

	sort.SliceStable(consolidated, func(i, j int) bool {
		if !consolidated[i].Timestamp.Equal(consolidated[j].Timestamp) {
			return consolidated[i].Timestamp.Before(consolidated[j].Timestamp)
		}
		return consolidated[i].SequenceNumber < consolidated[j].SequenceNumber
	})

	result.ContinuityMaintained = len(result.Errors) == 0
	for i := 1; i < len(consolidated); i++ {
		drift := consolidated[i].Timestamp.Sub(consolidated[i-1].Timestamp)
		if drift < 0 {
			drift = -drift
		}
		if drift > r.cfg.MaxTimestampDrift {
			result.ContinuityMaintained = false
			result.Errors = append(result.Errors, fmt.Errorf("continuity broken between sequence %d and %d: drift %s", consolidated[i-1].SequenceNumber, consolidated[i].SequenceNumber, drift))
		}
	}

	result.Segments = consolidated
	return result
}

// resolveOverlaps detects interval overlaps (in [start_time, end_time],
// falling back to timestamp for zero-duration segments) within a
// single already-sorted utterance group and resolves them per the
// configured strategy. It also reports any resolved pair that still
// overlaps by more than MergeOverlapThreshold, which should only ever
// happen across cluster boundaries.
func (r *Reconciler) resolveOverlaps(group []Segment) ([]Segment, int, int, []error) {
	if len(group) <= 1 {
		return group, 0, 0, nil
	}

	var resolved []Segment
	var conflicts, merged int
	var errs []error

	checkContinuity := func() {
		if len(resolved) < 2 {
			return
		}
		prev, cur := resolved[len(resolved)-2], resolved[len(resolved)-1]
		if amt := overlapAmount(prev, cur); amt > r.cfg.MergeOverlapThreshold {
			errs = append(errs, fmt.Errorf("utterance %s: segments %d and %d overlap by %s, exceeding merge_overlap_threshold", cur.UtteranceID, prev.SequenceNumber, cur.SequenceNumber, amt))
		}
	}

	cluster := []Segment{group[0]}
	flush := func() {
		if len(cluster) == 1 {
			resolved = append(resolved, cluster[0])
			checkContinuity()
			return
		}
		conflicts += len(cluster) - 1
		resolved = append(resolved, r.resolveCluster(cluster, &merged))
		checkContinuity()
	}

	for i := 1; i < len(group); i++ {
		prev := cluster[len(cluster)-1]
		if overlapAmount(prev, group[i]) >= -r.cfg.MergeOverlapThreshold {
			cluster = append(cluster, group[i])
			continue
		}
		flush()
		cluster = []Segment{group[i]}
	}
	flush()

	return resolved, conflicts, merged, errs
}

// resolveCluster picks the surviving segment per the configured
// strategy and records every other segment in the cluster in its
// MergeHistory, so consumers can see what was superseded.
func (r *Reconciler) resolveCluster(cluster []Segment, merged *int) Segment {
	var winner Segment
	switch r.cfg.Strategy {
	case TimestampPriority:
		winner = earliest(cluster)
	case TransportPriority:
		winner = highestTransportPriority(cluster)
	case Merge:
		*merged += len(cluster) - 1
		winner = mergeCluster(cluster)
	default:
		winner = highestConfidence(cluster)
	}

	for _, s := range cluster {
		if s.ID != winner.ID {
			winner.MergeHistory = append(winner.MergeHistory, s.ID)
		}
	}
	return winner
}

func earliest(cluster []Segment) Segment {
	best := cluster[0]
	for _, s := range cluster[1:] {
		if s.Timestamp.Before(best.Timestamp) {
			best = s
		}
	}
	return best
}

func highestConfidence(cluster []Segment) Segment {
	best := cluster[0]
	for _, s := range cluster[1:] {
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	return best
}

func highestTransportPriority(cluster []Segment) Segment {
	best := cluster[0]
	bestRank := rankOf(best.Source)
	for _, s := range cluster[1:] {
		if rank := rankOf(s.Source); rank < bestRank {
			best = s
			bestRank = rank
		}
	}
	return best
}

func rankOf(source string) int {
	if rank, ok := transportRank[source]; ok {
		return rank
	}
	return len(transportRank)
}

func mergeCluster(cluster []Segment) Segment {
	merged := earliest(cluster)
	longest := cluster[0].Text
	maxConfidence := cluster[0].Confidence
	for _, s := range cluster[1:] {
		if len(s.Text) > len(longest) {
			longest = s.Text
		}
		if s.Confidence > maxConfidence {
			maxConfidence = s.Confidence
		}
	}
	merged.Text = longest
	merged.Confidence = maxConfidence
	return merged
}

// RolloverUtterance starts a new utterance for sessionID: subsequent
// Ingest calls that don't supply an explicit UtteranceID are grouped
// under a freshly generated id, while SessionID and the session's
// sequence counter persist unchanged. It creates the session if this
// is its first reference (e.g. called before the first Ingest) and
// returns the new utterance id.
//
// VAD-driven rollover (deciding *when* a new utterance begins from
// voice-activity gaps) is out of scope here; callers own that
// decision and call RolloverUtterance at the boundary they detect.
func (r *Reconciler) RolloverUtterance(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		r.sessions[sessionID] = st
	}
	st.currentUtteranceID = uuid.NewString()
	return st.currentUtteranceID
}

// CurrentUtterance returns the active utterance id for sessionID,
// creating the session's context if it doesn't exist yet.
func (r *Reconciler) CurrentUtterance(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[sessionID]
	if !ok {
		st = &sessionState{currentUtteranceID: uuid.NewString()}
		r.sessions[sessionID] = st
	}
	return st.currentUtteranceID
}

// AnnounceTransportSwitch stamps every segment within the switch-stamp
// window preceding at, across all sessions, as a transport switch
// point, so downstream consumers can correlate gaps with transport
// changes.
func (r *Reconciler) AnnounceTransportSwitch(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := at.Add(-r.cfg.SwitchStampWindow)
	for _, st := range r.sessions {
		for i := range st.window {
			if st.window[i].Timestamp.After(cutoff) && !st.window[i].Timestamp.After(at) {
				st.window[i].TransportSwitchPoint = true
			}
		}
	}
}
