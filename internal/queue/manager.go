// Package queue implements the in-memory download queue and its
// deduplication bookkeeping.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/archive"
)

// Manager owns the download queue and the failed-name set. All mutations go
// through its mutex so search submissions can run concurrently with drain
// ticks without corrupting either structure. The queue is process-lifetime
// only; nothing here is persisted.
type Manager struct {
	mu      sync.Mutex
	pending []archive.QueueEntry
	failed  map[string]struct{}

	archived archive.ArchivedIndex
	resolver archive.Resolver
	recorder archive.Recorder
	clock    archive.Clock
	logger   *zap.Logger
}

// NewManager constructs a Manager with an empty queue.
func NewManager(
	archived archive.ArchivedIndex,
	resolver archive.Resolver,
	recorder archive.Recorder,
	clock archive.Clock,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		failed:   make(map[string]struct{}),
		archived: archived,
		resolver: resolver,
		recorder: recorder,
		clock:    clock,
		logger:   logger,
	}
}

// SubmitSearch discovers areas matching term and enqueues every one that is
// not already archived, queued or known to have failed. A transport failure
// or malformed search response fails the whole call with nothing enqueued; a
// single area failing identifier or child resolution is recorded and skipped
// without aborting the batch.
func (m *Manager) SubmitSearch(ctx context.Context, term string) error {
	term = strings.ToLower(strings.TrimSpace(term))

	areas, err := m.resolver.Search(ctx, term)
	if err != nil {
		return fmt.Errorf("search %q: %w", term, err)
	}

	for _, area := range areas {
		if m.shouldSkip(area.Name, area.RawID) {
			m.logger.Debug("skipping known area",
				zap.String("name", area.Name),
				zap.String("id", area.RawID),
			)
			continue
		}

		res, err := m.resolver.ResolveIdentifiers(ctx, area.RawID, false)
		if err != nil {
			m.recordDiscoveryFailure(ctx, area.Name, area.RawID, "", err)
			continue
		}

		parentID := res.ID
		root := archive.QueueEntry{
			Name:    area.Name,
			ID:      res.ID,
			Key:     res.Key,
			Payload: res.Payload,
		}
		if !m.appendIfNew(root) {
			continue
		}

		children, err := m.resolver.DiscoverChildren(ctx, res.ID)
		if err != nil {
			// The root stays queued; only the expansion failed.
			m.recordDiscoveryFailure(ctx, area.Name, res.ID, res.Key, err)
			continue
		}
		for _, child := range children {
			child.IsSubItem = true
			child.ParentID = &parentID
			m.appendIfNew(child)
		}
	}
	return nil
}

// SubmitExplicit appends already-resolved entries verbatim: no dedup, no
// expansion. It is the operator's seeding and retry path.
func (m *Manager) SubmitExplicit(entries []archive.QueueEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, entries...)
}

// Pop removes and returns the front entry. ok is false when the queue is
// empty.
func (m *Manager) Pop() (entry archive.QueueEntry, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return archive.QueueEntry{}, false
	}
	entry = m.pending[0]
	m.pending = m.pending[1:]
	return entry, true
}

// Len reports the number of pending entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// MarkFailed adds name to the failed set consulted by future submissions.
// The set is append-only for the life of the process.
func (m *Manager) MarkFailed(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[name] = struct{}{}
}

// FailedCount reports how many distinct names have failed this run.
func (m *Manager) FailedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failed)
}

// shouldSkip evaluates the three dedup predicates for a discovered area.
// Failures are keyed by name while the archived and queued checks use the
// area ID; the asymmetry is deliberate and matches the durable log formats.
func (m *Manager) shouldSkip(name, id string) bool {
	if m.archived != nil && m.archived.IsAreaArchived(name, id) {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, failed := m.failed[name]; failed {
		return true
	}
	return m.queuedLocked(id)
}

// appendIfNew appends the entry unless its resolved ID is already pending or
// archived. The recheck runs under the lock so two discoveries of the same
// area within one pass enqueue it once.
func (m *Manager) appendIfNew(entry archive.QueueEntry) bool {
	if m.archived != nil && m.archived.IsAreaArchived(entry.Name, entry.ID) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queuedLocked(entry.ID) {
		return false
	}
	m.pending = append(m.pending, entry)
	return true
}

func (m *Manager) queuedLocked(id string) bool {
	for i := range m.pending {
		if m.pending[i].ID == id {
			return true
		}
	}
	return false
}

// recordDiscoveryFailure handles a single area's resolution failure: the
// name joins the failed set, a durable failure record is written, and the
// batch continues.
func (m *Manager) recordDiscoveryFailure(ctx context.Context, name, id, key string, cause error) {
	m.MarkFailed(name)
	rec := archive.FailureRecord{
		Name:   name,
		ID:     id,
		Key:    key,
		Reason: cause.Error(),
	}
	if m.clock != nil {
		rec.FailedAt = m.clock.Now()
	}
	if err := m.recorder.RecordFailure(ctx, rec); err != nil {
		m.logger.Error("record discovery failure",
			zap.String("name", name),
			zap.String("id", id),
			zap.Error(err),
		)
	}
	m.logger.Warn("area discovery failed",
		zap.String("name", name),
		zap.String("id", id),
		zap.Error(cause),
	)
}
