package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	apperrors "github.com/meetsmatch/dispatcher/internal/errors"
)

// ErrConflict is returned when an idempotency key conflict occurs.
var ErrConflict = errors.New("dispatch: idempotency key conflict")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("dispatch: not found")

// IsConflictError reports whether err is (or wraps) ErrConflict.
func IsConflictError(err error) bool { return errors.Is(err, ErrConflict) }

// Repository is the relational persistence contract for notifications,
// delivery attempts, templates, and vendor status (§6: relational store).
// It composes TemplateStore and VendorStatusStore so a single
// PostgresRepository instance satisfies every store dependency.
type Repository interface {
	TemplateStore
	VendorStatusStore

	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Notification, error)
	MarkQueued(ctx context.Context, id uuid.UUID) error
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	UpdateForRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, lastError string, code ErrorCode) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, code ErrorCode) error
	CreateAttempt(ctx context.Context, a *DeliveryAttempt) error
	GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryAttempt, error)
	GetPendingNotifications(ctx context.Context, channel Channel, limit int) ([]*Notification, error)
	GetDLQNotifications(ctx context.Context, filter DLQFilter) ([]*Notification, error)
	GetDLQStats(ctx context.Context) (*DLQStats, error)
	ResetForReplay(ctx context.Context, id uuid.UUID) error
	CleanupExpired(ctx context.Context, olderThan time.Duration) (int64, error)
	UpsertVendorStatus(ctx context.Context, status *VendorStatus) error
}

// txRunner matches database.DB's WithTransaction helper without importing
// the database package, keeping dispatch's storage dependency narrow.
type txRunner interface {
	WithTransaction(fn func(*sql.Tx) error) error
}

// PostgresRepository implements Repository against the relational store.
type PostgresRepository struct {
	db *sql.DB
	tx txRunner
}

// NewPostgresRepository constructs a PostgresRepository. tx provides the
// SELECT ... FOR UPDATE transaction wrapper used by retry/failure updates.
func NewPostgresRepository(db *sql.DB, tx txRunner) *PostgresRepository {
	return &PostgresRepository{db: db, tx: tx}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

const notificationColumns = `
	id, tenant_id, channel, status, priority, recipient, template_id, context,
	attempt_count, max_attempts, vendor_preference, batch_id, metadata,
	idempotency_key, last_error, last_error_code, next_retry_at,
	created_at, queued_at, processing_started_at, completed_at, updated_at`

func scanNotification(row interface{ Scan(...interface{}) error }) (*Notification, error) {
	var n Notification
	var lastErrorCode sql.NullString
	err := row.Scan(
		&n.ID, &n.TenantID, &n.Channel, &n.Status, &n.Priority, &n.Recipient, &n.TemplateID, &n.Context,
		&n.AttemptCount, &n.MaxAttempts, &n.VendorPreference, &n.BatchID, &n.Metadata,
		&n.IdempotencyKey, &n.LastError, &lastErrorCode, &n.NextRetryAt,
		&n.CreatedAt, &n.QueuedAt, &n.ProcessingAt, &n.CompletedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastErrorCode.Valid {
		n.LastErrorCode = Ptr(ErrorCode(lastErrorCode.String))
	}
	return &n, nil
}

// Create inserts a new notification in status=pending.
func (r *PostgresRepository) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.Status = StatusPending
	now := time.Now()
	n.CreatedAt, n.UpdatedAt = now, now

	query := `
		INSERT INTO notifications (
			id, tenant_id, channel, status, priority, recipient, template_id, context,
			attempt_count, max_attempts, vendor_preference, batch_id, metadata,
			idempotency_key, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	_, err := r.db.ExecContext(ctx, query,
		n.ID, n.TenantID, n.Channel, n.Status, n.Priority, n.Recipient, n.TemplateID, n.Context,
		n.AttemptCount, n.MaxAttempts, n.VendorPreference, n.BatchID, n.Metadata,
		n.IdempotencyKey, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("dispatch: insert notification: %w", err)
	}
	return nil
}

// GetByID retrieves a notification by id.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, "SELECT"+notificationColumns+" FROM notifications WHERE id = $1", id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: get notification: %w", err)
	}
	return n, nil
}

// GetByIdempotencyKey retrieves a notification by its idempotency key.
func (r *PostgresRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Notification, error) {
	row := r.db.QueryRowContext(ctx, "SELECT"+notificationColumns+" FROM notifications WHERE idempotency_key = $1", key)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: get notification by idempotency key: %w", err)
	}
	return n, nil
}

// MarkQueued transitions pending -> queued.
func (r *PostgresRepository) MarkQueued(ctx context.Context, id uuid.UUID) error {
	return r.exec1(ctx, `UPDATE notifications SET status=$2, queued_at=$3, updated_at=$3 WHERE id=$1`,
		id, StatusQueued, time.Now())
}

// MarkProcessing transitions queued -> processing.
func (r *PostgresRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return r.exec1(ctx, `UPDATE notifications SET status=$2, processing_started_at=$3, updated_at=$3 WHERE id=$1`,
		id, StatusProcessing, time.Now())
}

// MarkDelivered marks a notification terminally delivered under a
// SELECT ... FOR UPDATE transaction, preserving the invariant that the
// latest attempt's status matches the notification's terminal status.
func (r *PostgresRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return r.tx.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT id FROM notifications WHERE id=$1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("dispatch: lock notification: %w", err)
		}
		now := time.Now()
		res, err := tx.ExecContext(ctx,
			`UPDATE notifications SET status=$2, completed_at=$3, updated_at=$3 WHERE id=$1`,
			id, StatusDelivered, now)
		if err != nil {
			return fmt.Errorf("dispatch: mark delivered: %w", err)
		}
		return checkRowsAffected(res)
	})
}

// UpdateForRetry increments attempt_count and schedules the next retry,
// under a SELECT ... FOR UPDATE transaction.
func (r *PostgresRepository) UpdateForRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, lastError string, code ErrorCode) error {
	return r.tx.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT id FROM notifications WHERE id=$1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("dispatch: lock notification: %w", err)
		}
		now := time.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE notifications
			SET status=$2, attempt_count = attempt_count + 1, next_retry_at=$3,
				last_error=$4, last_error_code=$5, updated_at=$6
			WHERE id=$1`,
			id, StatusRetrying, nextRetryAt, lastError, code, now)
		if err != nil {
			return fmt.Errorf("dispatch: update for retry: %w", err)
		}
		return checkRowsAffected(res)
	})
}

// MarkFailed marks a notification terminally failed (retries exhausted or
// a non-retryable error), under a SELECT ... FOR UPDATE transaction.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, code ErrorCode) error {
	return r.tx.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT id FROM notifications WHERE id=$1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("dispatch: lock notification: %w", err)
		}
		now := time.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE notifications
			SET status=$2, attempt_count = attempt_count + 1, last_error=$3,
				last_error_code=$4, completed_at=$5, updated_at=$5
			WHERE id=$1`,
			id, StatusFailed, lastError, code, now)
		if err != nil {
			return fmt.Errorf("dispatch: mark failed: %w", err)
		}
		return checkRowsAffected(res)
	})
}

// CreateAttempt appends a delivery attempt record.
func (r *PostgresRepository) CreateAttempt(ctx context.Context, a *DeliveryAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	var errorCodeStr *string
	if a.ErrorCode != nil {
		errorCodeStr = Ptr(string(*a.ErrorCode))
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (
			id, notification_id, vendor, status, response, error, error_code,
			attempted_at, duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.NotificationID, a.Vendor, a.Status, a.Response, a.Error, errorCodeStr,
		a.AttemptedAt, a.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("dispatch: create attempt: %w", err)
	}
	return nil
}

// GetAttempts returns the time-ordered attempt log for a notification.
func (r *PostgresRepository) GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, notification_id, vendor, status, response, error, error_code, attempted_at, duration_ms
		FROM delivery_attempts WHERE notification_id = $1 ORDER BY attempted_at ASC`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: get attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		var errorCode sql.NullString
		if err := rows.Scan(&a.ID, &a.NotificationID, &a.Vendor, &a.Status, &a.Response, &a.Error, &errorCode, &a.AttemptedAt, &a.DurationMs); err != nil {
			return nil, fmt.Errorf("dispatch: scan attempt: %w", err)
		}
		if errorCode.Valid {
			a.ErrorCode = Ptr(ErrorCode(errorCode.String))
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// GetPendingNotifications is the Postgres fallback source of work used when
// the durable Redis queue needs reconciliation (§4.9).
func (r *PostgresRepository) GetPendingNotifications(ctx context.Context, channel Channel, limit int) ([]*Notification, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT"+notificationColumns+` FROM notifications
		WHERE channel = $1 AND status IN ('pending', 'retrying')
			AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY priority DESC, created_at ASC LIMIT $2`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("dispatch: get pending notifications: %w", err)
	}
	defer rows.Close()
	return scanNotificationRows(rows)
}

// GetDLQNotifications returns terminally-failed notifications matching filter.
func (r *PostgresRepository) GetDLQNotifications(ctx context.Context, filter DLQFilter) ([]*Notification, error) {
	query := "SELECT" + notificationColumns + ` FROM notifications WHERE status = 'failed'`
	var args []interface{}
	argIdx := 1

	if filter.Channel != nil {
		query += fmt.Sprintf(" AND channel = $%d", argIdx)
		args = append(args, *filter.Channel)
		argIdx++
	}
	if filter.ErrorCode != nil {
		query += fmt.Sprintf(" AND last_error_code = $%d", argIdx)
		args = append(args, string(*filter.ErrorCode))
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND completed_at >= $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY completed_at DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispatch: get dlq notifications: %w", err)
	}
	defer rows.Close()
	return scanNotificationRows(rows)
}

// GetDLQStats summarizes the terminally-failed population.
func (r *PostgresRepository) GetDLQStats(ctx context.Context) (*DLQStats, error) {
	stats := &DLQStats{CountByError: make(map[string]int64)}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE status = 'failed'`).Scan(&stats.TotalCount); err != nil {
		return nil, fmt.Errorf("dispatch: dlq count: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(last_error_code, 'unknown'), COUNT(*)
		FROM notifications WHERE status = 'failed' GROUP BY last_error_code`)
	if err != nil {
		return nil, fmt.Errorf("dispatch: dlq count by error: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		var count int64
		if err := rows.Scan(&code, &count); err != nil {
			continue
		}
		stats.CountByError[code] = count
	}

	var oldest sql.NullTime
	if err := r.db.QueryRowContext(ctx, `SELECT MIN(completed_at) FROM notifications WHERE status = 'failed'`).Scan(&oldest); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispatch: dlq oldest: %w", err)
	}
	if oldest.Valid {
		stats.OldestItem = &oldest.Time
	}
	return stats, nil
}

// ResetForReplay resets a failed notification back to pending for replay.
func (r *PostgresRepository) ResetForReplay(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET status=$2, attempt_count=0, next_retry_at=NULL, completed_at=NULL, updated_at=$3
		WHERE id=$1 AND status='failed'`,
		id, StatusPending, time.Now())
	if err != nil {
		return fmt.Errorf("dispatch: reset for replay: %w", err)
	}
	return checkRowsAffected(res)
}

// CleanupExpired deletes notifications that completed before the retention
// cutoff, trimming the relational store's history.
func (r *PostgresRepository) CleanupExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE completed_at IS NOT NULL AND completed_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("dispatch: cleanup expired: %w", err)
	}
	return res.RowsAffected()
}

// GetVendorStatus implements VendorStatusStore.
func (r *PostgresRepository) GetVendorStatus(ctx context.Context, tenantID string, channel Channel, vendor string) (*VendorStatus, error) {
	var v VendorStatus
	err := r.db.QueryRowContext(ctx, `
		SELECT vendor, channel, tenant_id, state, success_rate, last_check
		FROM vendor_status WHERE tenant_id=$1 AND channel=$2 AND vendor=$3`,
		tenantID, channel, vendor,
	).Scan(&v.Vendor, &v.Channel, &v.TenantID, &v.State, &v.SuccessRate, &v.LastCheck)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: get vendor status: %w", err)
	}
	return &v, nil
}

// UpsertVendorStatus writes the background health-check task's observation.
func (r *PostgresRepository) UpsertVendorStatus(ctx context.Context, status *VendorStatus) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vendor_status (vendor, channel, tenant_id, state, success_rate, last_check)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (vendor, channel, tenant_id) DO UPDATE SET
			state = EXCLUDED.state, success_rate = EXCLUDED.success_rate, last_check = EXCLUDED.last_check`,
		status.Vendor, status.Channel, status.TenantID, status.State, status.SuccessRate, status.LastCheck,
	)
	if err != nil {
		return fmt.Errorf("dispatch: upsert vendor status: %w", err)
	}
	return nil
}

// GetTemplateByID implements TemplateStore.
func (r *PostgresRepository) GetTemplateByID(ctx context.Context, id string) (*Template, error) {
	var t Template
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, channel, version, active, content, vendor_metadata, created_at, updated_at
		FROM templates WHERE id=$1`, id,
	).Scan(&t.ID, &t.TenantID, &t.Name, &t.Channel, &t.Version, &t.Active, &t.Content, &t.VendorMetadata, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: get template: %w", err)
	}
	return &t, nil
}

// GetTemplateByName returns the latest active version for (tenant, name, channel).
func (r *PostgresRepository) GetTemplateByName(ctx context.Context, tenantID, name string, channel Channel) (*Template, error) {
	var t Template
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, channel, version, active, content, vendor_metadata, created_at, updated_at
		FROM templates
		WHERE tenant_id=$1 AND name=$2 AND channel=$3 AND active = true
		ORDER BY version DESC LIMIT 1`, tenantID, name, channel,
	).Scan(&t.ID, &t.TenantID, &t.Name, &t.Channel, &t.Version, &t.Active, &t.Content, &t.VendorMetadata, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: get template by name: %w", err)
	}
	return &t, nil
}

// CreateTemplate inserts the first version of a named template.
func (r *PostgresRepository) CreateTemplate(ctx context.Context, t *Template) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO templates (id, tenant_id, name, channel, version, active, content, vendor_metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.TenantID, t.Name, t.Channel, t.Version, t.Active, t.Content, t.VendorMetadata, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("dispatch: create template: %w", err)
	}
	return nil
}

// UpdateTemplate performs the §3 version-CAS update: the write only applies
// if the row's current version still matches expectedVersion, and the new
// version is expectedVersion+1.
func (r *PostgresRepository) UpdateTemplate(ctx context.Context, t *Template, expectedVersion int) error {
	return r.tx.WithTransaction(func(tx *sql.Tx) error {
		var currentVersion int
		err := tx.QueryRowContext(ctx, `SELECT version FROM templates WHERE id=$1 FOR UPDATE`, t.ID).Scan(&currentVersion)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("dispatch: lock template: %w", err)
		}
		if currentVersion != expectedVersion {
			return apperrors.NewVersionConflictError(t.Name, expectedVersion, currentVersion)
		}

		t.Version = expectedVersion + 1
		_, err = tx.ExecContext(ctx, `
			UPDATE templates SET content=$2, vendor_metadata=$3, active=$4, version=$5, updated_at=$6
			WHERE id=$1`,
			t.ID, t.Content, t.VendorMetadata, t.Active, t.Version, time.Now())
		if err != nil {
			return fmt.Errorf("dispatch: update template: %w", err)
		}
		return nil
	})
}

func scanNotificationRows(rows *sql.Rows) ([]*Notification, error) {
	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("dispatch: scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dispatch: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
