package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"slotbook/internal/domain"
	"slotbook/internal/store"
)

// Store keeps slots and bookings in two tables. Transactions run at
// SERIALIZABLE isolation and lock the rows they read, so a lost race shows up
// as a serialization failure that is reported as store.ErrConflict.
type Store struct {
	db *bun.DB
}

var _ store.Store = (*Store)(nil)

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

func (r *Store) Close(ctx context.Context) error {
	return Close(r.db)
}

func (r *Store) GetSlot(ctx context.Context, key string) (domain.Slot, error) {
	return getSlot(ctx, r.db, key, false)
}

func (r *Store) CreateSlots(ctx context.Context, slots []domain.Slot) ([]domain.Slot, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	rows := make([]domain.Slot, len(slots))
	copy(rows, slots)

	var inserted []string
	err := r.db.NewInsert().
		Model(&rows).
		On("CONFLICT (key) DO NOTHING").
		Returning("key").
		Scan(ctx, &inserted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, mapError(err)
	}

	created := make(map[string]struct{}, len(inserted))
	for _, k := range inserted {
		created[k] = struct{}{}
	}
	out := make([]domain.Slot, 0, len(inserted))
	for _, s := range slots {
		if _, ok := created[s.Key]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Store) QuerySlots(ctx context.Context, q store.SlotQuery) ([]domain.Slot, error) {
	rows := make([]domain.Slot, 0)
	sel := r.db.NewSelect().
		Model(&rows).
		Where("date >= ?", q.From.String()).
		Where("date <= ?", q.To.String())
	if len(q.Statuses) > 0 {
		sel = sel.Where("status IN (?)", bun.In(q.Statuses))
	}
	if err := sel.OrderExpr("date ASC, time ASC").Scan(ctx); err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

func (r *Store) DeleteSlot(ctx context.Context, key string) error {
	return deleteSlot(ctx, r.db, key)
}

func (r *Store) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	return getBooking(ctx, r.db, id, false)
}

func (r *Store) CreateBooking(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	if _, err := r.db.NewInsert().Model(&b).Exec(ctx); err != nil {
		return domain.Booking{}, mapError(err)
	}
	return b, nil
}

func (r *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.DocumentTx) error) error {
	err := r.db.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, documentTx{tx: tx})
	})
	return mapError(err)
}

type documentTx struct {
	tx bun.Tx
}

func (t documentTx) GetSlot(ctx context.Context, key string) (domain.Slot, error) {
	return getSlot(ctx, t.tx, key, true)
}

func (t documentTx) PutSlot(ctx context.Context, slot domain.Slot) error {
	_, err := t.tx.NewInsert().
		Model(&slot).
		On("CONFLICT (key) DO UPDATE").
		Exec(ctx)
	return mapError(err)
}

func (t documentTx) DeleteSlot(ctx context.Context, key string) error {
	return deleteSlot(ctx, t.tx, key)
}

func (t documentTx) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	return getBooking(ctx, t.tx, id, true)
}

func (t documentTx) PutBooking(ctx context.Context, b domain.Booking) error {
	_, err := t.tx.NewInsert().
		Model(&b).
		On("CONFLICT (id) DO UPDATE").
		Exec(ctx)
	return mapError(err)
}

func getSlot(ctx context.Context, db bun.IDB, key string, forUpdate bool) (domain.Slot, error) {
	var s domain.Slot
	q := db.NewSelect().Model(&s).Where("key = ?", key).Limit(1)
	if forUpdate {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Slot{}, store.ErrNotFound
		}
		return domain.Slot{}, mapError(err)
	}
	return s, nil
}

func getBooking(ctx context.Context, db bun.IDB, id string, forUpdate bool) (domain.Booking, error) {
	var b domain.Booking
	q := db.NewSelect().Model(&b).Where("id = ?", id).Limit(1)
	if forUpdate {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Booking{}, store.ErrNotFound
		}
		return domain.Booking{}, mapError(err)
	}
	return b, nil
}

func deleteSlot(ctx context.Context, db bun.IDB, key string) error {
	res, err := db.NewDelete().
		Model((*domain.Slot)(nil)).
		Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// mapError translates Postgres error codes into store errors. Errors that are
// not Postgres errors, including domain errors returned from a transaction
// callback, pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	case "23505":
		return fmt.Errorf("%w: %s", store.ErrAlreadyExists, pgErr.ConstraintName)
	}
	return err
}
