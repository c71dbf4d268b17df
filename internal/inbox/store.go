package inbox

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/model"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/mq"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/metrics"
)

// Drop reasons reported by ApplyEvent.
const (
	DropStale     = "stale"
	DropAbsent    = "absent"
	DropMalformed = "malformed"
	DropUnknown   = "unknown_kind"
)

// ErrNoRecord reports that the mutation's target is not in the store.
var ErrNoRecord = errors.New("record not in store")

// MutationKind enumerates the user mutations tracked optimistically.
type MutationKind int

const (
	MutationMarkRead MutationKind = iota
	MutationMarkAllRead
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationMarkRead:
		return "mark_read"
	case MutationMarkAllRead:
		return "mark_all_read"
	case MutationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation tags one optimistic change. ID is generated by the coordinator;
// RecordID is empty for MutationMarkAllRead.
type Mutation struct {
	ID       string
	Kind     MutationKind
	RecordID string
}

// readState is a captured prior read state, restored on rollback.
type readState struct {
	isRead bool
	readAt *time.Time
}

// pendingMutation is the rollback bookkeeping for one in-flight mutation.
// prior holds the captured read state per record for mark-read mutations.
// removed holds the delete mutation's record; concurrent events keep it
// fresh so a rollback reinserts current server state, and a deletion event
// clears it so a rollback reinserts nothing.
type pendingMutation struct {
	kind     MutationKind
	recordID string
	prior    map[string]readState
	removed  *model.Notification
}

// Store is the per-recipient local view of the notification inbox: records
// in inbox order (created_at descending, id ascending), an id index, and
// the unread counter. All operations are atomic; writers are serialized by
// the mutex per the single-writer discipline.
type Store struct {
	mu      sync.RWMutex
	records []*model.Notification
	byID    map[string]*model.Notification
	unread  int
	pending map[string]*pendingMutation
	logger  *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	return &Store{
		byID:    make(map[string]*model.Notification),
		pending: make(map[string]*pendingMutation),
		logger:  logger,
	}
}

// ReplaceAll discards all local state in favor of an authoritative snapshot.
// unread comes from the authoritative count read, not from the records.
// Rollback state of in-flight mutations is dropped: the snapshot supersedes
// whatever those mutations changed locally.
func (s *Store) ReplaceAll(records []model.Notification, unread int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make([]*model.Notification, 0, len(records))
	s.byID = make(map[string]*model.Notification, len(records))
	for i := range records {
		n := records[i].Clone()
		s.records = append(s.records, n)
		s.byID[n.ID] = n
	}
	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].Before(s.records[j])
	})

	if unread < 0 {
		unread = 0
	}
	s.unread = unread
	s.pending = make(map[string]*pendingMutation)
	s.updateGaugesLocked()
}

// ApplyEvent folds one change event into the store. It returns whether the
// event mutated state and, when it did not, the drop reason. A created event
// for a known id behaves as updated; an updated event for an unknown id
// behaves as created; anything carrying a version at or below the stored one
// is discarded as stale.
func (s *Store) ApplyEvent(ev mq.ChangeEvent) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case mq.KindCreated, mq.KindUpdated:
		if ev.Record == nil {
			return false, DropMalformed
		}
		return s.upsertLocked(ev.Record)
	case mq.KindDeleted:
		id := ev.DeletedID()
		if id == "" {
			return false, DropMalformed
		}
		return s.removeLocked(id)
	default:
		return false, DropUnknown
	}
}

// BeginOptimistic applies a mutation's local effect and records the prior
// field values for rollback, keyed by m.ID.
//
// MarkRead and Delete return the record's pre-mutation snapshot, carrying
// the version for the remote write, and affected 1. MarkRead on an
// already-read record and Delete on an absent record are local no-ops with
// affected 0 and nothing recorded; MarkRead on an absent record returns
// ErrNoRecord. MarkAllRead flips every currently-unread record, zeroes the
// counter and returns the flipped count.
func (s *Store) BeginOptimistic(m Mutation) (*model.Notification, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.Kind {
	case MutationMarkRead:
		existing, ok := s.byID[m.RecordID]
		if !ok {
			return nil, 0, ErrNoRecord
		}
		prior := existing.Clone()
		if existing.IsRead {
			return prior, 0, nil
		}
		now := time.Now().UTC()
		existing.IsRead = true
		existing.ReadAt = &now
		s.decUnreadLocked()
		s.pending[m.ID] = &pendingMutation{
			kind:     m.Kind,
			recordID: m.RecordID,
			prior:    map[string]readState{m.RecordID: {isRead: prior.IsRead, readAt: prior.ReadAt}},
		}
		s.updateGaugesLocked()
		return prior, 1, nil

	case MutationDelete:
		existing, ok := s.byID[m.RecordID]
		if !ok {
			return nil, 0, nil
		}
		prior := existing.Clone()
		if !existing.IsRead {
			s.decUnreadLocked()
		}
		s.removeFromSliceLocked(m.RecordID)
		delete(s.byID, m.RecordID)
		s.pending[m.ID] = &pendingMutation{
			kind:     m.Kind,
			recordID: m.RecordID,
			removed:  existing,
		}
		s.updateGaugesLocked()
		return prior, 1, nil

	case MutationMarkAllRead:
		pm := &pendingMutation{kind: m.Kind, prior: make(map[string]readState)}
		now := time.Now().UTC()
		affected := 0
		for _, n := range s.records {
			if n.IsRead {
				continue
			}
			pm.prior[n.ID] = readState{isRead: n.IsRead, readAt: n.ReadAt}
			n.IsRead = true
			n.ReadAt = &now
			affected++
		}
		s.unread = 0
		if affected > 0 {
			s.pending[m.ID] = pm
		}
		s.updateGaugesLocked()
		return nil, affected, nil
	}

	return nil, 0, fmt.Errorf("unknown mutation kind %d", m.Kind)
}

// CommitOptimistic discards rollback state for a resolved mutation and folds
// the remote response records back in so their fresher versions are adopted.
// Response records go through the normal event gate: anything a fresher
// concurrent event already delivered stays put.
func (s *Store) CommitOptimistic(mutationID string, server []model.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, mutationID)
	for i := range server {
		s.upsertLocked(&server[i])
	}
	s.updateGaugesLocked()
}

// RollbackOptimistic reverses exactly the fields captured when the mutation
// began. Fields a concurrent event changed meanwhile keep the event's
// values; records a deletion event removed stay removed.
func (s *Store) RollbackOptimistic(mutationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm, ok := s.pending[mutationID]
	if !ok {
		return
	}
	delete(s.pending, mutationID)

	switch pm.kind {
	case MutationMarkRead, MutationMarkAllRead:
		for id, prior := range pm.prior {
			existing, ok := s.byID[id]
			if !ok {
				continue
			}
			wasUnread := !existing.IsRead
			existing.IsRead = prior.isRead
			existing.ReadAt = cloneTime(prior.readAt)
			if wasUnread && existing.IsRead {
				s.decUnreadLocked()
			} else if !wasUnread && !existing.IsRead {
				s.unread++
			}
		}
	case MutationDelete:
		if pm.removed != nil {
			s.insertLocked(pm.removed)
			if !pm.removed.IsRead {
				s.unread++
			}
		}
	}
	s.updateGaugesLocked()
}

// ForgetOptimistic drops a mutation's rollback state without touching any
// record. The bulk mark-all-read failure path uses it: the counter is
// re-anchored from the authoritative count instead of rolling back records.
func (s *Store) ForgetOptimistic(mutationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, mutationID)
}

// Reconcile repairs one record from an authoritative read after a conflict.
// A nil current removes the record: it no longer exists server-side.
func (s *Store) Reconcile(id string, current *model.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current == nil {
		s.removeLocked(id)
		return
	}
	s.upsertLocked(current)
	s.updateGaugesLocked()
}

// SetUnread re-anchors the unread counter from an authoritative count.
func (s *Store) SetUnread(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 0 {
		n = 0
	}
	s.unread = n
	s.updateGaugesLocked()
}

// List returns copies of the records matching the filter in inbox order,
// bounded by page, plus the total match count.
func (s *Store) List(f model.ListFilter, p model.Page) ([]model.Notification, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.Notification, 0, len(s.records))
	for _, n := range s.records {
		if f.Matches(n) {
			matched = append(matched, n)
		}
	}
	total := len(matched)

	start := p.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if p.Limit > 0 && start+p.Limit < end {
		end = start + p.Limit
	}

	out := make([]model.Notification, 0, end-start)
	for _, n := range matched[start:end] {
		out = append(out, *n.Clone())
	}
	return out, total
}

// Get returns a copy of one record.
func (s *Store) Get(id string) (*model.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Snapshot returns a copy of every record in inbox order.
func (s *Store) Snapshot() []model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Notification, 0, len(s.records))
	for _, n := range s.records {
		out = append(out, *n.Clone())
	}
	return out
}

// UnreadCount returns the tracked unread counter.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// upsertLocked inserts or updates one record, applying the version gate and
// preserving optimistic read-state overlays of in-flight mutations.
func (s *Store) upsertLocked(rec *model.Notification) (bool, string) {
	existing, ok := s.byID[rec.ID]
	if !ok {
		// 记录不可见：可能被某个在途删除乐观移除了
		if pm := s.pendingDeleteLocked(rec.ID); pm != nil {
			if pm.removed != nil && rec.Version > pm.removed.Version {
				pm.removed = rec.Clone()
				return true, ""
			}
			return false, DropStale
		}
		clone := rec.Clone()
		s.insertLocked(clone)
		if !clone.IsRead {
			s.unread++
		}
		s.updateGaugesLocked()
		return true, ""
	}

	if rec.Version <= existing.Version {
		return false, DropStale
	}

	wasUnread := !existing.IsRead
	resort := !existing.CreatedAt.Equal(rec.CreatedAt)

	existing.Type = rec.Type
	existing.Priority = rec.Priority
	existing.Title = rec.Title
	existing.Body = rec.Body
	existing.ActionRef = rec.ActionRef
	existing.Version = rec.Version
	existing.CreatedAt = rec.CreatedAt
	if !s.overlayLocked(rec.ID) {
		existing.IsRead = rec.IsRead
		existing.ReadAt = cloneTime(rec.ReadAt)
	}

	if resort {
		sort.SliceStable(s.records, func(i, j int) bool {
			return s.records[i].Before(s.records[j])
		})
	}

	nowUnread := !existing.IsRead
	if wasUnread && !nowUnread {
		s.decUnreadLocked()
	} else if !wasUnread && nowUnread {
		s.unread++
	}
	s.updateGaugesLocked()
	return true, ""
}

// removeLocked deletes one record. Read-state overlays on the record are
// dropped: a later rollback restores nothing for it.
func (s *Store) removeLocked(id string) (bool, string) {
	existing, ok := s.byID[id]
	if !ok {
		if pm := s.pendingDeleteLocked(id); pm != nil && pm.removed != nil {
			// 服务端已确认删除，回滚时不再恢复
			pm.removed = nil
			return true, ""
		}
		return false, DropAbsent
	}

	if !existing.IsRead {
		s.decUnreadLocked()
	}
	s.removeFromSliceLocked(id)
	delete(s.byID, id)
	for _, pm := range s.pending {
		delete(pm.prior, id)
	}
	s.updateGaugesLocked()
	return true, ""
}

// insertLocked places the record at its sorted position and indexes it.
func (s *Store) insertLocked(n *model.Notification) {
	i := sort.Search(len(s.records), func(i int) bool {
		return n.Before(s.records[i])
	})
	s.records = append(s.records, nil)
	copy(s.records[i+1:], s.records[i:])
	s.records[i] = n
	s.byID[n.ID] = n
}

func (s *Store) removeFromSliceLocked(id string) {
	for i, n := range s.records {
		if n.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return
		}
	}
}

// overlayLocked reports whether an in-flight mutation pins id's read state.
func (s *Store) overlayLocked(id string) bool {
	for _, pm := range s.pending {
		if _, ok := pm.prior[id]; ok {
			return true
		}
	}
	return false
}

// pendingDeleteLocked returns the in-flight delete holding id, if any.
func (s *Store) pendingDeleteLocked(id string) *pendingMutation {
	for _, pm := range s.pending {
		if pm.kind == MutationDelete && pm.recordID == id {
			return pm
		}
	}
	return nil
}

func (s *Store) decUnreadLocked() {
	if s.unread <= 0 {
		s.logger.Warn("Unread counter underflow clamped")
		return
	}
	s.unread--
}

func (s *Store) updateGaugesLocked() {
	metrics.SetStoreGauges(len(s.records), s.unread)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
