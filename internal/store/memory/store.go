// Package memory is an in-process transactional document store. Transactions
// are optimistic: reads record the revision they saw, writes are buffered, and
// commit fails with store.ErrConflict if any document read or written was
// changed by another commit in the meantime.
package memory

import (
	"context"
	"sort"
	"sync"

	"slotbook/internal/domain"
	"slotbook/internal/store"
)

type entry[T any] struct {
	doc T
	rev uint64
}

type Store struct {
	mu       sync.RWMutex
	rev      uint64
	slots    map[string]entry[domain.Slot]
	bookings map[string]entry[domain.Booking]
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		slots:    make(map[string]entry[domain.Slot]),
		bookings: make(map[string]entry[domain.Booking]),
	}
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}

func (s *Store) GetSlot(ctx context.Context, key string) (domain.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.slots[key]
	if !ok {
		return domain.Slot{}, store.ErrNotFound
	}
	return e.doc, nil
}

func (s *Store) CreateSlots(ctx context.Context, slots []domain.Slot) ([]domain.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Slot, 0, len(slots))
	for _, slot := range slots {
		if _, ok := s.slots[slot.Key]; ok {
			continue
		}
		s.rev++
		s.slots[slot.Key] = entry[domain.Slot]{doc: slot, rev: s.rev}
		out = append(out, slot)
	}
	return out, nil
}

func (s *Store) QuerySlots(ctx context.Context, q store.SlotQuery) ([]domain.Slot, error) {
	s.mu.RLock()
	out := make([]domain.Slot, 0)
	for _, e := range s.slots {
		if q.Matches(e.doc) {
			out = append(out, e.doc)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Time < out[j].Time
	})
	return out, nil
}

func (s *Store) DeleteSlot(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.slots, key)
	return nil
}

func (s *Store) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.bookings[id]
	if !ok {
		return domain.Booking{}, store.ErrNotFound
	}
	return e.doc, nil
}

func (s *Store) CreateBooking(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return domain.Booking{}, store.ErrAlreadyExists
	}
	s.rev++
	s.bookings[b.ID] = entry[domain.Booking]{doc: b, rev: s.rev}
	return b, nil
}

func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.DocumentTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &tx{
		s:        s,
		seen:     make(map[docID]uint64),
		slots:    make(map[string]domain.Slot),
		deleted:  make(map[string]struct{}),
		bookings: make(map[string]domain.Booking),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

type docKind uint8

const (
	kindSlot docKind = iota
	kindBooking
)

type docID struct {
	kind docKind
	key  string
}

type tx struct {
	s        *Store
	seen     map[docID]uint64
	slots    map[string]domain.Slot
	deleted  map[string]struct{}
	bookings map[string]domain.Booking
}

// observe records the revision of a document the first time the transaction
// touches it. Absent documents are recorded as revision 0.
func (t *tx) observe(id docID) {
	if _, ok := t.seen[id]; ok {
		return
	}
	t.seen[id] = t.s.currentRev(id)
}

func (s *Store) currentRev(id docID) uint64 {
	switch id.kind {
	case kindSlot:
		return s.slots[id.key].rev
	default:
		return s.bookings[id.key].rev
	}
}

func (t *tx) GetSlot(ctx context.Context, key string) (domain.Slot, error) {
	if s, ok := t.slots[key]; ok {
		return s, nil
	}
	if _, ok := t.deleted[key]; ok {
		return domain.Slot{}, store.ErrNotFound
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id := docID{kind: kindSlot, key: key}
	t.observe(id)
	e, ok := t.s.slots[key]
	if !ok || e.rev != t.seen[id] {
		if ok {
			// Changed since the first read: the commit is going to fail anyway.
			return domain.Slot{}, store.ErrConflict
		}
		return domain.Slot{}, store.ErrNotFound
	}
	return e.doc, nil
}

func (t *tx) PutSlot(ctx context.Context, slot domain.Slot) error {
	t.s.mu.RLock()
	t.observe(docID{kind: kindSlot, key: slot.Key})
	t.s.mu.RUnlock()
	delete(t.deleted, slot.Key)
	t.slots[slot.Key] = slot
	return nil
}

func (t *tx) DeleteSlot(ctx context.Context, key string) error {
	t.s.mu.RLock()
	t.observe(docID{kind: kindSlot, key: key})
	t.s.mu.RUnlock()
	delete(t.slots, key)
	t.deleted[key] = struct{}{}
	return nil
}

func (t *tx) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	if b, ok := t.bookings[id]; ok {
		return b, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	did := docID{kind: kindBooking, key: id}
	t.observe(did)
	e, ok := t.s.bookings[id]
	if !ok || e.rev != t.seen[did] {
		if ok {
			return domain.Booking{}, store.ErrConflict
		}
		return domain.Booking{}, store.ErrNotFound
	}
	return e.doc, nil
}

func (t *tx) PutBooking(ctx context.Context, b domain.Booking) error {
	t.s.mu.RLock()
	t.observe(docID{kind: kindBooking, key: b.ID})
	t.s.mu.RUnlock()
	t.bookings[b.ID] = b
	return nil
}

func (t *tx) commit() error {
	if len(t.slots) == 0 && len(t.deleted) == 0 && len(t.bookings) == 0 {
		return nil
	}

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rev := range t.seen {
		if s.currentRev(id) != rev {
			return store.ErrConflict
		}
	}
	for key, slot := range t.slots {
		s.rev++
		s.slots[key] = entry[domain.Slot]{doc: slot, rev: s.rev}
	}
	for key := range t.deleted {
		delete(s.slots, key)
	}
	for id, b := range t.bookings {
		s.rev++
		s.bookings[id] = entry[domain.Booking]{doc: b, rev: s.rev}
	}
	return nil
}
