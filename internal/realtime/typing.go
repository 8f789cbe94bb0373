package realtime

import (
	"context"
	"sync"
	"time"
)

// typingID keys typing state per member per thread.
type typingID struct {
	ThreadID string
	MemberID string
}

type typingState struct {
	lastBroadcast time.Time
	lastSignal    time.Time
	memberName    string
}

// TypingTracker throttles typing broadcasts and expires idle typists.
//
// A typing signal is rebroadcast at most once per throttle window per
// (thread, member). A member who stops signaling is reported as stopped
// after the expiry window, so a crashed or disconnected client can never
// appear to type forever.
type TypingTracker struct {
	mu       sync.Mutex
	throttle time.Duration
	expiry   time.Duration
	entries  map[typingID]*typingState
	onStop   func(threadID, memberID, memberName string)
}

// NewTypingTracker creates a tracker. onStop is invoked (outside the tracker
// lock) whenever a typist expires or is explicitly stopped.
func NewTypingTracker(throttle, expiry time.Duration, onStop func(threadID, memberID, memberName string)) *TypingTracker {
	return &TypingTracker{
		throttle: throttle,
		expiry:   expiry,
		entries:  make(map[typingID]*typingState),
		onStop:   onStop,
	}
}

// Signal records a typing signal and reports whether it should be broadcast.
// Signals inside the throttle window refresh the expiry but are not fanned out.
func (t *TypingTracker) Signal(threadID, memberID, memberName string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := typingID{ThreadID: threadID, MemberID: memberID}
	state, ok := t.entries[id]
	if !ok {
		t.entries[id] = &typingState{lastBroadcast: now, lastSignal: now, memberName: memberName}
		return true
	}

	state.lastSignal = now
	if now.Sub(state.lastBroadcast) >= t.throttle {
		state.lastBroadcast = now
		return true
	}
	return false
}

// Stop clears a member's typing state in one thread. Reports whether state
// existed, and fires onStop when it did.
func (t *TypingTracker) Stop(threadID, memberID string) bool {
	t.mu.Lock()
	id := typingID{ThreadID: threadID, MemberID: memberID}
	state, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if ok && t.onStop != nil {
		t.onStop(threadID, memberID, state.memberName)
	}
	return ok
}

// StopMember clears a member's typing state in every thread (disconnect path).
func (t *TypingTracker) StopMember(memberID string) {
	t.mu.Lock()
	var stopped []typingID
	var names []string
	for id, state := range t.entries {
		if id.MemberID == memberID {
			stopped = append(stopped, id)
			names = append(names, state.memberName)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	if t.onStop != nil {
		for i, id := range stopped {
			t.onStop(id.ThreadID, id.MemberID, names[i])
		}
	}
}

// Sweep expires typists idle past the expiry window and fires onStop for each.
// Returns the number of entries expired.
func (t *TypingTracker) Sweep(now time.Time) int {
	t.mu.Lock()
	var expired []typingID
	var names []string
	for id, state := range t.entries {
		if now.Sub(state.lastSignal) >= t.expiry {
			expired = append(expired, id)
			names = append(names, state.memberName)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	if t.onStop != nil {
		for i, id := range expired {
			t.onStop(id.ThreadID, id.MemberID, names[i])
		}
	}
	return len(expired)
}

// Active reports whether a member currently counts as typing in a thread.
func (t *TypingTracker) Active(threadID, memberID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingID{ThreadID: threadID, MemberID: memberID}]
	return ok
}

// Run sweeps expired typists until the context is canceled.
func (t *TypingTracker) Run(ctx context.Context) {
	interval := t.expiry / 4
	if interval < 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}
