package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cardpilot/ms-go-autopay/app/entity"
	"github.com/cardpilot/ms-go-autopay/app/types"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentAlreadyExists = errors.New("payment already exists")
)

const paymentColumns = `id, idempotency_key, entity_id, user_id, amount_cents, currency,
		status, trigger_source, gateway, authorization_id, gateway_ref, correlation_token,
		retry_count, last_error_code,
		created_at, submitted_at, completed_at, updated_at`

type PaymentFilter struct {
	EntityID  string
	UserID    string
	HasStatus bool
	Status    int32
	Limit     int32
	Offset    int32
}

// TransitionParams carries the fields a status advance is allowed to touch.
// Nil pointers leave the column unchanged.
type TransitionParams struct {
	Status        int32
	GatewayRef    *string
	LastErrorCode *string
	SubmittedAt   *time.Time
	CompletedAt   *time.Time
	RetryCount    *int32
}

type PaymentRepository struct {
	db DBTX
}

func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *entity.Payment) error {
	query := `
		INSERT INTO payments (
			idempotency_key, entity_id, user_id, amount_cents, currency,
			status, trigger_source, gateway, authorization_id, gateway_ref, correlation_token,
			retry_count, last_error_code,
			created_at, submitted_at, completed_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		payment.IdempotencyKey,
		payment.EntityID,
		payment.UserID,
		payment.AmountCents,
		payment.Currency,
		payment.Status,
		payment.Trigger,
		payment.Gateway,
		nullableUint64Value(payment.AuthorizationID),
		nullableStringValue(payment.GatewayRef),
		payment.CorrelationToken,
		payment.RetryCount,
		nullableStringValue(payment.LastErrorCode),
		payment.CreatedAt,
		nullableTimeValue(payment.SubmittedAt),
		nullableTimeValue(payment.CompletedAt),
		payment.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrPaymentAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	payment.ID = uint64(id)
	return nil
}

// TransitionStatus advances a payment only when its current status is one of
// `from`. It reports whether a row was advanced; false means another writer
// got there first (or the transition was never legal for the stored row).
// This is the compare-and-set that keeps the orchestrator and the webhook
// reconciler from clobbering each other.
func (r *PaymentRepository) TransitionStatus(ctx context.Context, id uint64, from []int32, params TransitionParams) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	query := `
		UPDATE payments SET
			status = ?,
			gateway_ref = COALESCE(?, gateway_ref),
			last_error_code = COALESCE(?, last_error_code),
			submitted_at = COALESCE(?, submitted_at),
			completed_at = COALESCE(?, completed_at),
			retry_count = COALESCE(?, retry_count),
			updated_at = ?
		WHERE id = ? AND status IN (` + placeholders + `)
	`

	args := []interface{}{
		params.Status,
		nullableStringValue(params.GatewayRef),
		nullableStringValue(params.LastErrorCode),
		nullableTimeValue(params.SubmittedAt),
		nullableTimeValue(params.CompletedAt),
		nullableInt32Value(params.RetryCount),
		time.Now().UTC(),
		id,
	}
	for _, status := range from {
		args = append(args, status)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, id uint64) (*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = ?`
	return r.findOne(ctx, query, id)
}

func (r *PaymentRepository) FindByIdempotencyKey(ctx context.Context, key string) (*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = ? LIMIT 1`
	return r.findOne(ctx, query, key)
}

func (r *PaymentRepository) FindByCorrelationToken(ctx context.Context, token string) (*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE correlation_token = ? LIMIT 1`
	return r.findOne(ctx, query, token)
}

func (r *PaymentRepository) FindByGatewayRef(ctx context.Context, gatewayRef string) (*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_ref = ? LIMIT 1`
	return r.findOne(ctx, query, gatewayRef)
}

func (r *PaymentRepository) List(ctx context.Context, filter PaymentFilter) ([]*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments`

	conditions := make([]string, 0, 3)
	args := make([]interface{}, 0, 5)

	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.HasStatus {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	return r.findMany(ctx, query, args...)
}

// ListStaleProcessing returns submitted payments that have not reached a
// terminal state by `before`; the reconcile job polls the gateway for them.
func (r *PaymentRepository) ListStaleProcessing(ctx context.Context, before time.Time, limit int32) ([]*entity.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = ?
		  AND gateway_ref IS NOT NULL
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?
	`
	return r.findMany(ctx, query, int32(types.PaymentStatusProcessing), before, limit)
}

func (r *PaymentRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Payment, error) {
	payment := &entity.Payment{}
	if err := scanPayment(r.db.QueryRowContext(ctx, query, args...), payment); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return payment, nil
}

func (r *PaymentRepository) findMany(ctx context.Context, query string, args ...interface{}) ([]*entity.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]*entity.Payment, 0)
	for rows.Next() {
		item := &entity.Payment{}
		if err := scanPayment(rows, item); err != nil {
			return nil, err
		}
		payments = append(payments, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return payments, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(scan rowScanner, payment *entity.Payment) error {
	var authorizationID sql.NullInt64
	var gatewayRef sql.NullString
	var lastErrorCode sql.NullString
	var submittedAt sql.NullTime
	var completedAt sql.NullTime

	err := scan.Scan(
		&payment.ID,
		&payment.IdempotencyKey,
		&payment.EntityID,
		&payment.UserID,
		&payment.AmountCents,
		&payment.Currency,
		&payment.Status,
		&payment.Trigger,
		&payment.Gateway,
		&authorizationID,
		&gatewayRef,
		&payment.CorrelationToken,
		&payment.RetryCount,
		&lastErrorCode,
		&payment.CreatedAt,
		&submittedAt,
		&completedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return err
	}

	payment.AuthorizationID = uint64PtrFromNull(authorizationID)
	payment.GatewayRef = stringPtrFromNull(gatewayRef)
	payment.LastErrorCode = stringPtrFromNull(lastErrorCode)
	payment.SubmittedAt = timePtrFromNull(submittedAt)
	payment.CompletedAt = timePtrFromNull(completedAt)

	return nil
}
