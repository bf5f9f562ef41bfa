// Package tracker provides the router's process-wide duplicate-detection
// map: pipeline-key to tracked message, with a secondary applicationId
// index for catching requeues under a new broker delivery id.
//
// The primary map and the applicationId index are mutated only under a
// single writer lock. This is deliberate: two independent lock-free maps
// (one keyed by pipeline key, one keyed by application id) can be observed
// out of sync by a concurrent track() — the whole point of this package is
// that they never are.
package tracker

import (
	"sync"
	"time"
)

// Callback is the minimal broker-acknowledgement surface the tracker needs
// in order to resolve a duplicate without any dependency on the queue or
// pool packages.
type Callback interface {
	Nack(delay time.Duration) error
}

// TrackedMessage is the tracker's per-message record.
type TrackedMessage struct {
	PipelineKey   string
	ApplicationID string
	BrokerID      string
	SourceQueueID string
	Pointer       interface{}
	Callback      Callback
	TrackedAt     time.Time
}

// Outcome is the result of a track() call.
type Outcome int

const (
	// Tracked means the message was admitted under PipelineKey.
	Tracked Outcome = iota
	// DuplicatePipelineKey means the same pipeline key is already tracked —
	// a physical redelivery via visibility-timeout expiry or broker retry.
	DuplicatePipelineKey
	// DuplicateApplicationID means the applicationId is tracked under a
	// different pipeline key — a requeue by an external producer.
	DuplicateApplicationID
)

// TrackResult is returned by Track.
type TrackResult struct {
	Outcome     Outcome
	PipelineKey string
	// Existing is populated for the two duplicate outcomes: the tracked
	// message that already owns this delivery.
	Existing *TrackedMessage
}

// IsDuplicate reports whether the result represents either duplicate axis.
func (r TrackResult) IsDuplicate() bool {
	return r.Outcome == DuplicatePipelineKey || r.Outcome == DuplicateApplicationID
}

// IsRequeue reports whether a duplicate outcome was detected via the
// applicationId axis (an external requeue) rather than the pipeline-key
// axis (a physical redelivery).
func (r TrackResult) IsRequeue() bool {
	return r.Outcome == DuplicateApplicationID
}

// Tracker is the InFlightTracker: a process-wide map of pipeline-key to
// tracked message, with duplicate detection on both the broker-id and
// application-id axes.
//
// Invariants maintained under the single lock: pipelineKey is unique across
// all tracked messages; applicationId appears in the secondary index iff
// its tracked entry still exists in the primary map.
type Tracker struct {
	mu           sync.RWMutex
	byPipeline   map[string]*TrackedMessage
	byApplication map[string]string // applicationId -> pipelineKey
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		byPipeline:    make(map[string]*TrackedMessage),
		byApplication: make(map[string]string),
	}
}

// Track attempts to admit a new in-flight message. applicationID and
// brokerID may be equal to pipelineKey (e.g. for a broker without a
// distinct physical delivery id).
func (t *Tracker) Track(pipelineKey, applicationID, brokerID, sourceQueueID string, pointer interface{}, cb Callback) TrackResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byPipeline[pipelineKey]; ok {
		return TrackResult{Outcome: DuplicatePipelineKey, PipelineKey: pipelineKey, Existing: existing}
	}

	if existingKey, ok := t.byApplication[applicationID]; ok && existingKey != pipelineKey {
		if existing, stillTracked := t.byPipeline[existingKey]; stillTracked {
			return TrackResult{Outcome: DuplicateApplicationID, PipelineKey: existingKey, Existing: existing}
		}
		// Stale index entry pointing at an already-removed pipeline key:
		// silently clean it up and fall through to admit.
		delete(t.byApplication, applicationID)
	}

	t.byPipeline[pipelineKey] = &TrackedMessage{
		PipelineKey:   pipelineKey,
		ApplicationID: applicationID,
		BrokerID:      brokerID,
		SourceQueueID: sourceQueueID,
		Pointer:       pointer,
		Callback:      cb,
		TrackedAt:     time.Now(),
	}
	t.byApplication[applicationID] = pipelineKey

	return TrackResult{Outcome: Tracked, PipelineKey: pipelineKey}
}

// Remove releases a tracked message, returning it if it was present. The
// applicationId index entry is removed only if it still points at this
// pipelineKey (it may already have been overwritten by a newer track()).
func (t *Tracker) Remove(pipelineKey string) *TrackedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.byPipeline[pipelineKey]
	if !ok {
		return nil
	}
	delete(t.byPipeline, pipelineKey)
	if t.byApplication[existing.ApplicationID] == pipelineKey {
		delete(t.byApplication, existing.ApplicationID)
	}
	return existing
}

// Get returns the tracked message for a pipeline key, if any.
func (t *Tracker) Get(pipelineKey string) *TrackedMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byPipeline[pipelineKey]
}

// CallbackFor returns the callback bound to a pipeline key, if tracked.
func (t *Tracker) CallbackFor(pipelineKey string) Callback {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.byPipeline[pipelineKey]; ok {
		return m.Callback
	}
	return nil
}

// IsInFlight reports whether an applicationId currently has a tracked
// in-flight entry.
func (t *Tracker) IsInFlight(applicationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key, ok := t.byApplication[applicationID]
	if !ok {
		return false
	}
	_, stillTracked := t.byPipeline[key]
	return stillTracked
}

// Size returns the number of currently tracked messages.
func (t *Tracker) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byPipeline)
}

// Range calls fn for every currently tracked message, stopping early if fn
// returns false. Unlike Clear, the tracker is left untouched — used by
// background sweeps (stale-entry cleanup, in-progress heartbeats) that must
// not disturb in-flight bookkeeping.
func (t *Tracker) Range(fn func(*TrackedMessage) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.byPipeline {
		if !fn(m) {
			return
		}
	}
}

// Clear empties the tracker and returns a snapshot of everything that was
// tracked, so the caller can nack each one during shutdown drain.
func (t *Tracker) Clear() []*TrackedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make([]*TrackedMessage, 0, len(t.byPipeline))
	for _, m := range t.byPipeline {
		snapshot = append(snapshot, m)
	}
	t.byPipeline = make(map[string]*TrackedMessage)
	t.byApplication = make(map[string]string)
	return snapshot
}
