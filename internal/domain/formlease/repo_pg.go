package formlease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/formlock/internal/platform/db"
	"github.com/ehr/formlock/pkg/lease"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns a Postgres-backed Repository.
func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// inTx runs fn in a transaction on the request-scoped connection when there
// is one, otherwise on the pool.
func (r *repoPG) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if c := db.ConnFromContext(ctx); c != nil {
		return pgx.BeginFunc(ctx, c, fn)
	}
	return pgx.BeginFunc(ctx, r.pool, fn)
}

const selectLease = `SELECT locked, owner_id, owner_hint, locked_at FROM form_lease WHERE form_id = $1`

// scanLease reads one form_lease row. found is false when the form has never
// been leased.
func scanLease(formID string, row pgx.Row) (l lease.Lease, found bool, err error) {
	var (
		locked    bool
		ownerID   string
		ownerHint string
		lockedAt  *time.Time
	)
	err = row.Scan(&locked, &ownerID, &ownerHint, &lockedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return lease.Lease{FormID: formID}, false, nil
	}
	if err != nil {
		return lease.Lease{}, false, err
	}
	l = lease.Lease{FormID: formID}
	if locked {
		l.OwnerID = ownerID
		l.OwnerHint = ownerHint
	}
	if lockedAt != nil {
		l.AcquiredAt = lockedAt.UTC()
	}
	return l, true, nil
}

const upsertLease = `
	INSERT INTO form_lease (form_id, locked, owner_id, owner_hint, locked_at)
	VALUES ($1, TRUE, $2, $3, $4)
	ON CONFLICT (form_id) DO UPDATE SET
		locked = TRUE, owner_id = EXCLUDED.owner_id,
		owner_hint = EXCLUDED.owner_hint, locked_at = EXCLUDED.locked_at`

func (r *repoPG) Acquire(ctx context.Context, formID, sessionID string, now time.Time, opts AcquireOptions) (lease.AcquireResult, error) {
	var res lease.AcquireResult
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		prev, _, err := scanLease(formID, tx.QueryRow(ctx, selectLease+" FOR UPDATE", formID))
		if err != nil {
			return fmt.Errorf("lock lease row: %w", err)
		}
		res.Previous = prev
		if opts.Conditional && !mayAcquire(prev, sessionID, opts.ExpectOwner) {
			res.Lease = prev
			return nil
		}
		if _, err := tx.Exec(ctx, upsertLease, formID, sessionID, opts.OwnerHint, now); err != nil {
			return fmt.Errorf("upsert lease: %w", err)
		}
		res.Granted = true
		res.Lease = lease.Lease{FormID: formID, OwnerID: sessionID, OwnerHint: opts.OwnerHint, AcquiredAt: now}
		return nil
	})
	if err != nil {
		return lease.AcquireResult{}, err
	}
	return res, nil
}

func (r *repoPG) Release(ctx context.Context, formID, sessionID string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE form_lease SET locked = FALSE, owner_id = '', owner_hint = ''
		WHERE form_id = $1 AND locked AND owner_id = $2`, formID, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) GetLease(ctx context.Context, formID string) (lease.Lease, error) {
	l, _, err := scanLease(formID, r.conn(ctx).QueryRow(ctx, selectLease, formID))
	return l, err
}

func (r *repoPG) SaveSnapshot(ctx context.Context, formID, sessionID string, fields lease.Fields, now time.Time) (*lease.Snapshot, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		cur, found, err := scanLease(formID, tx.QueryRow(ctx, selectLease+" FOR UPDATE", formID))
		if err != nil {
			return fmt.Errorf("lock lease row: %w", err)
		}
		if !mayWrite(cur, found, sessionID) {
			return lease.ErrRejected
		}
		if found {
			_, err = tx.Exec(ctx, `UPDATE form_lease SET locked_at = $2 WHERE form_id = $1`, formID, now)
		} else {
			_, err = tx.Exec(ctx, upsertLease, formID, sessionID, "", now)
		}
		if err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO form_snapshot (form_id, fields, saved_by, saved_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (form_id) DO UPDATE SET
				fields = EXCLUDED.fields, saved_by = EXCLUDED.saved_by, saved_at = EXCLUDED.saved_at`,
			formID, body, sessionID, now)
		if err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &lease.Snapshot{FormID: formID, Fields: fields.Clone(), SavedBy: sessionID, SavedAt: now}, nil
}

func (r *repoPG) GetSnapshot(ctx context.Context, formID string) (*lease.Snapshot, error) {
	var (
		body    []byte
		savedBy string
		savedAt time.Time
	)
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT fields, saved_by, saved_at FROM form_snapshot WHERE form_id = $1`, formID,
	).Scan(&body, &savedBy, &savedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &lease.Snapshot{FormID: formID, Fields: lease.Fields{}}, nil
	}
	if err != nil {
		return nil, err
	}
	fields := lease.Fields{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return &lease.Snapshot{FormID: formID, Fields: fields, SavedBy: savedBy, SavedAt: savedAt.UTC()}, nil
}
