package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cardpilot/ms-go-autopay/app/entity"
)

var ErrObligationNotFound = errors.New("obligation not found")

const obligationColumns = `id, entity_id, user_id, amount_cents, currency, scheduled_at,
		occurrence, first_scheduled_at, recurrence_unit, recurrence_count, recurrence_end_at,
		status, payment_id, created_at, updated_at, executed_at`

type ObligationRepository struct {
	db DBTX
}

func NewObligationRepository(db DBTX) *ObligationRepository {
	return &ObligationRepository{db: db}
}

func (r *ObligationRepository) Create(ctx context.Context, obligation *entity.Obligation) error {
	query := `
		INSERT INTO obligations (
			id, entity_id, user_id, amount_cents, currency, scheduled_at,
			occurrence, first_scheduled_at, recurrence_unit, recurrence_count, recurrence_end_at,
			status, payment_id, created_at, updated_at, executed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		obligation.ID,
		obligation.EntityID,
		obligation.UserID,
		obligation.AmountCents,
		obligation.Currency,
		obligation.ScheduledAt,
		obligation.Occurrence,
		obligation.FirstScheduledAt,
		nullableStringValue(obligation.RecurrenceUnit),
		nullableInt32Value(obligation.RecurrenceCount),
		nullableTimeValue(obligation.RecurrenceEndAt),
		obligation.Status,
		nullableUint64Value(obligation.PaymentID),
		obligation.CreatedAt,
		obligation.UpdatedAt,
		nullableTimeValue(obligation.ExecutedAt),
	)
	return err
}

func (r *ObligationRepository) FindByID(ctx context.Context, id string) (*entity.Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations WHERE id = ?`

	obligation := &entity.Obligation{}
	if err := scanObligation(r.db.QueryRowContext(ctx, query, id), obligation); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return obligation, nil
}

// MarkExecuted consumes a scheduled obligation. Conditional on the scheduled
// status so that only one drain pass wins even if the queue layer misbehaves.
func (r *ObligationRepository) MarkExecuted(ctx context.Context, id string, paymentID *uint64, now time.Time) (bool, error) {
	query := `
		UPDATE obligations
		SET status = ?, payment_id = COALESCE(?, payment_id), executed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		entity.ObligationStatusExecuted,
		nullableUint64Value(paymentID),
		now,
		now,
		id,
		entity.ObligationStatusScheduled,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *ObligationRepository) MarkCancelled(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE obligations
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		entity.ObligationStatusCancelled,
		now,
		id,
		entity.ObligationStatusScheduled,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanObligation(scan rowScanner, obligation *entity.Obligation) error {
	var recurrenceUnit sql.NullString
	var recurrenceCount sql.NullInt32
	var recurrenceEndAt sql.NullTime
	var paymentID sql.NullInt64
	var executedAt sql.NullTime

	err := scan.Scan(
		&obligation.ID,
		&obligation.EntityID,
		&obligation.UserID,
		&obligation.AmountCents,
		&obligation.Currency,
		&obligation.ScheduledAt,
		&obligation.Occurrence,
		&obligation.FirstScheduledAt,
		&recurrenceUnit,
		&recurrenceCount,
		&recurrenceEndAt,
		&obligation.Status,
		&paymentID,
		&obligation.CreatedAt,
		&obligation.UpdatedAt,
		&executedAt,
	)
	if err != nil {
		return err
	}

	obligation.RecurrenceUnit = stringPtrFromNull(recurrenceUnit)
	obligation.RecurrenceCount = int32PtrFromNull(recurrenceCount)
	obligation.RecurrenceEndAt = timePtrFromNull(recurrenceEndAt)
	obligation.PaymentID = uint64PtrFromNull(paymentID)
	obligation.ExecutedAt = timePtrFromNull(executedAt)

	return nil
}
