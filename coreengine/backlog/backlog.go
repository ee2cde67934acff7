package backlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/fsutil"
)

// fileVersion is the on-disk format version of the backlog file.
const fileVersion = 1

type backlogFile struct {
	Version int             `json:"version"`
	Items   []ChangeRequest `json:"items"`
}

// Option configures a Backlog.
type Option func(*Backlog)

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Backlog) { b.now = now }
}

// Backlog holds every ChangeRequest ever enqueued. Terminal items are kept
// for audit. All methods are safe for concurrent use; every mutation is
// persisted before it becomes visible.
type Backlog struct {
	path  string
	items []*ChangeRequest
	index map[string]*ChangeRequest
	now   func() time.Time
	mu    sync.RWMutex
}

// New creates an empty in-memory backlog (path "") or one persisted at path.
func New(path string, opts ...Option) *Backlog {
	b := &Backlog{
		path:  path,
		items: make([]*ChangeRequest, 0),
		index: make(map[string]*ChangeRequest),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open loads the backlog persisted at path. A missing file yields an empty
// backlog.
func Open(path string, opts ...Option) (*Backlog, error) {
	b := New(path, opts...)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}

	var file backlogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode backlog %s: %w", path, err)
	}
	if file.Version > fileVersion {
		return nil, fmt.Errorf("backlog %s has version %d, newest supported is %d", path, file.Version, fileVersion)
	}
	for i := range file.Items {
		item := file.Items[i]
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("load backlog: %w", err)
		}
		if _, dup := b.index[item.ID]; dup {
			return nil, fmt.Errorf("load backlog: duplicate id %s", item.ID)
		}
		b.items = append(b.items, &item)
		b.index[item.ID] = &item
	}
	return b, nil
}

// Path returns the backing file ("" for in-memory backlogs).
func (b *Backlog) Path() string { return b.path }

// =============================================================================
// MUTATIONS
// =============================================================================

// Enqueue appends a new item. Critical items start in PendingApproval.
func (b *Backlog) Enqueue(sub Submission, critical bool) (ChangeRequest, error) {
	target := fsutil.CleanTarget(sub.Target)
	if target == "" {
		return ChangeRequest{}, errors.New("enqueue: target is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	item := &ChangeRequest{
		ID:         "cr_" + uuid.NewString(),
		Target:     target,
		Suggestion: sub.Suggestion,
		Priority:   sub.Priority,
		IsCritical: critical,
		Status:     StatusPending,
		Source:     sub.Source,
		CreatedAt:  b.now().UTC(),
	}
	if critical {
		item.Status = StatusPendingApproval
	}

	b.items = append(b.items, item)
	b.index[item.ID] = item
	if err := b.persistLocked(); err != nil {
		b.items = b.items[:len(b.items)-1]
		delete(b.index, item.ID)
		return ChangeRequest{}, err
	}
	return *item, nil
}

// Approve moves a PendingApproval item to Pending and stamps approvedAt.
func (b *Backlog) Approve(id string) (ChangeRequest, error) {
	return b.mutate(id, func(c *ChangeRequest, now time.Time) error {
		if c.Status != StatusPendingApproval {
			return &NotPendingApprovalError{ID: id, Status: c.Status}
		}
		c.Status = StatusPending
		c.ApprovedAt = &now
		return nil
	})
}

// Reject moves a PendingApproval item to RejectedManual (terminal).
func (b *Backlog) Reject(id string) (ChangeRequest, error) {
	return b.mutate(id, func(c *ChangeRequest, now time.Time) error {
		if c.Status != StatusPendingApproval {
			return &NotPendingApprovalError{ID: id, Status: c.Status}
		}
		c.Status = StatusRejectedManual
		c.RejectedAt = &now
		return nil
	})
}

// Requeue returns a CompletedFailure item to Pending. Only the status changes;
// the attempt count grows on the next attempt.
func (b *Backlog) Requeue(id string) (ChangeRequest, error) {
	return b.mutate(id, func(c *ChangeRequest, _ time.Time) error {
		if c.Status != StatusCompletedFailure {
			return &InvalidTransitionError{ID: id, From: c.Status, To: StatusPending}
		}
		c.Status = StatusPending
		return nil
	})
}

// MarkInProgress claims a Pending item for execution: it bumps attemptCount
// and lastAttemptedAt. It refuses items whose target is already in progress
// and critical items that were never approved.
func (b *Backlog) MarkInProgress(id string) (ChangeRequest, error) {
	return b.mutate(id, func(c *ChangeRequest, now time.Time) error {
		if c.Status != StatusPending {
			return &InvalidTransitionError{ID: id, From: c.Status, To: StatusInProgress}
		}
		if c.IsCritical && c.ApprovedAt == nil {
			return &InvalidTransitionError{ID: id, From: c.Status, To: StatusInProgress}
		}
		if holder := b.inProgressForLocked(c.Target); holder != "" {
			return &TargetBusyError{Target: c.Target, HeldBy: holder}
		}
		c.Status = StatusInProgress
		c.AttemptCount++
		c.LastAttemptedAt = &now
		return nil
	})
}

// Complete records the result of an InProgress item and moves it to a
// terminal status.
func (b *Backlog) Complete(id string, done Completion) (ChangeRequest, error) {
	return b.mutate(id, func(c *ChangeRequest, now time.Time) error {
		to := StatusCompletedFailure
		if done.Success {
			to = StatusCompletedSuccess
		}
		if c.Status != StatusInProgress {
			return &InvalidTransitionError{ID: id, From: c.Status, To: to}
		}
		c.Status = to
		c.CompletedAt = &now
		c.LastOutcome = done.Outcome
		c.LastGate = done.Gate
		c.LastError = done.Error
		c.ArtifactState = done.ArtifactState
		return nil
	})
}

// Release returns an InProgress item to Pending without recording a result.
// Used for orphaned and stuck executions.
func (b *Backlog) Release(id, reason string) (ChangeRequest, error) {
	return b.mutate(id, func(c *ChangeRequest, _ time.Time) error {
		if c.Status != StatusInProgress {
			return &InvalidTransitionError{ID: id, From: c.Status, To: StatusPending}
		}
		c.Status = StatusPending
		c.LastError = reason
		return nil
	})
}

// ResetOrphans moves every InProgress item back to Pending and returns them.
// Called once at startup, when no execution can be running.
func (b *Backlog) ResetOrphans() ([]ChangeRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var reset []ChangeRequest
	var undo []func()
	for _, item := range b.items {
		if item.Status != StatusInProgress {
			continue
		}
		prev := *item
		undo = append(undo, func() { *item = prev })
		item.Status = StatusPending
		item.LastError = "orphaned: process exited during execution"
		reset = append(reset, *item)
	}
	if len(reset) == 0 {
		return nil, nil
	}
	if err := b.persistLocked(); err != nil {
		for _, fn := range undo {
			fn()
		}
		return nil, err
	}
	return reset, nil
}

// mutate applies fn to a copy of the item, validates it, persists the new
// state, and only then publishes it. On any error the item is unchanged.
func (b *Backlog) mutate(id string, fn func(c *ChangeRequest, now time.Time) error) (ChangeRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.index[id]
	if !ok {
		return ChangeRequest{}, &NotFoundError{ID: id}
	}

	prev := *item
	next := *item
	if err := fn(&next, b.now().UTC()); err != nil {
		return ChangeRequest{}, err
	}
	if !IsValidTransition(prev.Status, next.Status) && prev.Status != next.Status {
		return ChangeRequest{}, &InvalidTransitionError{ID: id, From: prev.Status, To: next.Status}
	}
	if next.AttemptCount < prev.AttemptCount {
		return ChangeRequest{}, fmt.Errorf("change request %s: attempt count cannot decrease", id)
	}
	if err := next.Validate(); err != nil {
		return ChangeRequest{}, err
	}

	*item = next
	if err := b.persistLocked(); err != nil {
		*item = prev
		return ChangeRequest{}, err
	}
	return next, nil
}

// persistLocked rewrites the backlog file atomically. Caller holds mu.
func (b *Backlog) persistLocked() error {
	if b.path == "" {
		return nil
	}
	file := backlogFile{Version: fileVersion, Items: make([]ChangeRequest, len(b.items))}
	for i, item := range b.items {
		file.Items[i] = *item
	}
	err := fsutil.WriteAtomic(b.path, 0o644, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(file)
	})
	if err != nil {
		return fmt.Errorf("persist backlog: %w", err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns a copy of the item.
func (b *Backlog) Get(id string) (ChangeRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	item, ok := b.index[id]
	if !ok {
		return ChangeRequest{}, &NotFoundError{ID: id}
	}
	return *item, nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Statuses []Status
	Target   string
}

func (f Filter) match(c *ChangeRequest) bool {
	if f.Target != "" && !fsutil.SameTarget(c.Target, f.Target) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if c.Status == s {
			return true
		}
	}
	return false
}

// List returns matching items in enqueue order.
func (b *Backlog) List(f Filter) []ChangeRequest {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ChangeRequest, 0, len(b.items))
	for _, item := range b.items {
		if f.match(item) {
			out = append(out, *item)
		}
	}
	return out
}

// SelectNextActionable returns the highest-priority actionable item (ties
// broken by earliest createdAt) whose target has nothing in progress and is
// not rejected by skip. It does not change the item.
func (b *Backlog) SelectNextActionable(skip func(target string) bool) (ChangeRequest, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	busy := make(map[string]bool)
	for _, item := range b.items {
		if item.Status == StatusInProgress {
			busy[fsutil.TargetKey(item.Target)] = true
		}
	}

	candidates := make([]*ChangeRequest, 0)
	for _, item := range b.items {
		if !item.Actionable() || busy[fsutil.TargetKey(item.Target)] {
			continue
		}
		if skip != nil && skip(item.Target) {
			continue
		}
		candidates = append(candidates, item)
	}
	if len(candidates) == 0 {
		return ChangeRequest{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return *candidates[0], true
}

// Counts returns the number of items per status. Every status is present.
func (b *Backlog) Counts() map[Status]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for _, item := range b.items {
		counts[item.Status]++
	}
	return counts
}

// InProgressTargets returns the targets currently being modified, sorted.
func (b *Backlog) InProgressTargets() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0)
	for _, item := range b.items {
		if item.Status == StatusInProgress {
			out = append(out, item.Target)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of items.
func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

func (b *Backlog) inProgressForLocked(target string) string {
	for _, item := range b.items {
		if item.Status == StatusInProgress && fsutil.SameTarget(item.Target, target) {
			return item.ID
		}
	}
	return ""
}
