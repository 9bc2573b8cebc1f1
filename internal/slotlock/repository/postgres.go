package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/domain"
)

const outboxTopic = "reserve.lock.events"

// Schema creates the tables the store owns. The reserves table mirrors the
// capacity signal the external trip layer maintains; the core only reads it.
const Schema = `
CREATE TABLE IF NOT EXISTS slot_locks (
	id BIGSERIAL PRIMARY KEY,
	lock_token TEXT NOT NULL UNIQUE,
	outbound_reserve_id BIGINT NOT NULL,
	return_reserve_id BIGINT,
	slots_locked INT NOT NULL CHECK (slots_locked > 0),
	expires_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	version_token TEXT NOT NULL,
	claimant_email TEXT NOT NULL,
	claimant_document TEXT,
	customer_id BIGINT,
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_by TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_slot_locks_outbound ON slot_locks (outbound_reserve_id) WHERE status = 'ACTIVE';
CREATE INDEX IF NOT EXISTS idx_slot_locks_return ON slot_locks (return_reserve_id) WHERE status = 'ACTIVE';
CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	payload BYTEA NOT NULL,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS customers (
	id BIGSERIAL PRIMARY KEY,
	full_name TEXT NOT NULL,
	document_no TEXT NOT NULL UNIQUE,
	email TEXT
);
CREATE TABLE IF NOT EXISTS customer_reserves (
	id BIGSERIAL PRIMARY KEY,
	reserve_id BIGINT NOT NULL,
	lock_token TEXT NOT NULL,
	customer_id BIGINT NOT NULL,
	full_name TEXT NOT NULL,
	document_no TEXT NOT NULL,
	email TEXT
);
CREATE TABLE IF NOT EXISTS payments (
	id BIGSERIAL PRIMARY KEY,
	lock_token TEXT NOT NULL,
	method TEXT NOT NULL,
	amount_cents BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore implements domain.Store over Postgres. Admission reads take
// a row lock on the referenced reserve rows so two concurrent capacity
// checks for the same trip serialize; serialization failures surface as
// domain.ErrVersionConflict and are retried by the service.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore binds the store to an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the owned tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate slot lock schema: %w", err)
	}
	return nil
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Atomically runs fn inside one serializable transaction.
func (p *PostgresStore) Atomically(ctx context.Context, fn func(tx domain.TxStore) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return mapConflict(err)
	}
	if err := tx.Commit(); err != nil {
		return mapConflict(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// mapConflict folds Postgres serialization and deadlock failures into the
// retryable conflict the service understands.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return domain.ErrVersionConflict
		}
	}
	return err
}

const lockColumns = `id, lock_token, outbound_reserve_id, return_reserve_id, slots_locked,
	expires_at, status, version_token, claimant_email, claimant_document, customer_id,
	created_by, created_at, updated_by, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (domain.SlotLock, error) {
	var (
		lock     domain.SlotLock
		retID    sql.NullInt64
		document sql.NullString
		custID   sql.NullInt64
	)
	err := row.Scan(
		&lock.ID, &lock.LockToken, &lock.OutboundReserveID, &retID, &lock.SlotsLocked,
		&lock.ExpiresAt, &lock.Status, &lock.VersionToken, &lock.Claimant.Email, &document, &custID,
		&lock.CreatedBy, &lock.CreatedAt, &lock.UpdatedBy, &lock.UpdatedAt,
	)
	if err != nil {
		return domain.SlotLock{}, err
	}
	if retID.Valid {
		lock.ReturnReserveID = &retID.Int64
	}
	if document.Valid {
		lock.Claimant.DocumentNo = document.String
	}
	if custID.Valid {
		lock.Claimant.CustomerID = &custID.Int64
	}
	return lock, nil
}

// GetByToken reads a lock outside any atomic unit.
func (p *PostgresStore) GetByToken(ctx context.Context, token string) (domain.SlotLock, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM slot_locks WHERE lock_token = $1`, token)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SlotLock{}, domain.ErrLockNotFound
	}
	if err != nil {
		return domain.SlotLock{}, fmt.Errorf("get lock by token: %w", err)
	}
	return lock, nil
}

// ListExpired selects stale Active locks with their current version tokens.
func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]domain.SlotLock, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+lockColumns+` FROM slot_locks WHERE status = $1 AND expires_at <= $2`,
		domain.StatusActive, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired locks: %w", err)
	}
	defer rows.Close()
	var expired []domain.SlotLock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired lock: %w", err)
		}
		expired = append(expired, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired locks: %w", err)
	}
	return expired, nil
}

func (t *pgTx) UsageFor(reserveID int64, now time.Time, excludeLockID int64) (domain.ReserveUsage, error) {
	// Row lock on the reserve serializes concurrent admission checks for the
	// same trip even below serializable isolation.
	var usage domain.ReserveUsage
	usage.ReserveID = reserveID
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT seat_capacity, confirmed_passengers FROM reserves WHERE id = $1 FOR UPDATE`,
		reserveID,
	)
	if err := row.Scan(&usage.Capacity, &usage.ConfirmedPax); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ReserveUsage{}, ErrReserveNotFound
		}
		return domain.ReserveUsage{}, fmt.Errorf("read reserve %d: %w", reserveID, err)
	}
	row = t.tx.QueryRowContext(t.ctx,
		`SELECT COALESCE(SUM(slots_locked), 0) FROM slot_locks
		 WHERE status = $1 AND expires_at > $2 AND id <> $3
		   AND (outbound_reserve_id = $4 OR return_reserve_id = $4)`,
		domain.StatusActive, now, excludeLockID, reserveID,
	)
	if err := row.Scan(&usage.ActiveLockedSlots); err != nil {
		return domain.ReserveUsage{}, fmt.Errorf("sum locked slots: %w", err)
	}
	return usage, nil
}

func (t *pgTx) CountActiveByEmail(email string, now time.Time) (int, error) {
	var count int
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM slot_locks WHERE claimant_email = $1 AND status = $2 AND expires_at > $3`,
		email, domain.StatusActive, now,
	)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count active locks: %w", err)
	}
	return count, nil
}

func (t *pgTx) Insert(lock domain.SlotLock) (domain.SlotLock, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`INSERT INTO slot_locks (lock_token, outbound_reserve_id, return_reserve_id, slots_locked,
			expires_at, status, version_token, claimant_email, claimant_document, customer_id,
			created_by, created_at, updated_by, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11,$12,$13,$14)
		 RETURNING id`,
		lock.LockToken, lock.OutboundReserveID, lock.ReturnReserveID, lock.SlotsLocked,
		lock.ExpiresAt, lock.Status, lock.VersionToken, lock.Claimant.Email, lock.Claimant.DocumentNo,
		lock.Claimant.CustomerID, lock.CreatedBy, lock.CreatedAt, lock.UpdatedBy, lock.UpdatedAt,
	)
	if err := row.Scan(&lock.ID); err != nil {
		return domain.SlotLock{}, fmt.Errorf("insert lock: %w", err)
	}
	return lock, nil
}

func (t *pgTx) GetByToken(token string) (domain.SlotLock, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+lockColumns+` FROM slot_locks WHERE lock_token = $1`, token)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SlotLock{}, domain.ErrLockNotFound
	}
	if err != nil {
		return domain.SlotLock{}, fmt.Errorf("get lock by token: %w", err)
	}
	return lock, nil
}

func (t *pgTx) UpdateStatus(id int64, versionToken string, next domain.LockStatus, updatedBy string, now time.Time) (domain.SlotLock, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`UPDATE slot_locks
		 SET status = $1, version_token = $2, updated_by = $3, updated_at = $4
		 WHERE id = $5 AND version_token = $6 AND status = $7
		 RETURNING `+lockColumns,
		next, domain.NewVersionToken(), updatedBy, now, id, versionToken, domain.StatusActive,
	)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Row changed since it was read, or already reached a terminal state.
		return domain.SlotLock{}, domain.ErrVersionConflict
	}
	if err != nil {
		return domain.SlotLock{}, fmt.Errorf("conditional status update: %w", err)
	}
	return lock, nil
}

func (t *pgTx) EnsureCustomer(fullName, documentNo, email string) (int64, error) {
	var id int64
	row := t.tx.QueryRowContext(t.ctx,
		`INSERT INTO customers (full_name, document_no, email)
		 VALUES ($1, $2, NULLIF($3, ''))
		 ON CONFLICT (document_no) DO UPDATE SET full_name = EXCLUDED.full_name
		 RETURNING id`,
		fullName, documentNo, email,
	)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure customer: %w", err)
	}
	return id, nil
}

func (t *pgTx) PersistPassengers(lock domain.SlotLock, items []domain.PassengerItem, payment *domain.PaymentInfo) error {
	for _, item := range items {
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO customer_reserves (reserve_id, lock_token, customer_id, full_name, document_no, email)
			 VALUES ($1, $2, (SELECT id FROM customers WHERE document_no = $4), $3, $4, NULLIF($5, ''))`,
			item.ReserveID, lock.LockToken, item.FullName, item.DocumentNo, item.Email,
		); err != nil {
			return fmt.Errorf("persist passenger %q: %w", item.DocumentNo, err)
		}
	}
	if payment != nil {
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO payments (lock_token, method, amount_cents) VALUES ($1, $2, $3)`,
			lock.LockToken, payment.Method, payment.AmountCents,
		); err != nil {
			return fmt.Errorf("persist payment: %w", err)
		}
	}
	return nil
}

func (t *pgTx) AppendEvent(event domain.LockEvent) error {
	payload, err := json.Marshal(map[string]any{
		"lock_token": event.LockToken,
		"type":       event.Type,
		"payload":    event.Payload,
		"created_at": event.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal lock event: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO outbox (topic, payload, published, created_at) VALUES ($1, $2, FALSE, $3)`,
		outboxTopic, payload, event.CreatedAt,
	); err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}
