package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cardpilot/ms-go-autopay/app/entity"
	"github.com/cardpilot/ms-go-autopay/app/types"
)

func (s *PaymentService) ScheduleObligation(ctx context.Context, req *types.ScheduleObligationRequest) (*entity.Obligation, error) {
	scheduledAt, err := req.ScheduledAtTime()
	if err != nil {
		return nil, ErrInvalidRequest
	}
	scheduledAt = scheduledAt.UTC()

	now := time.Now().UTC()
	obligation := &entity.Obligation{
		ID:               uuid.NewString(),
		EntityID:         req.EntityID,
		UserID:           req.UserID,
		AmountCents:      req.AmountCents,
		Currency:         req.Currency,
		ScheduledAt:      scheduledAt,
		Occurrence:       0,
		FirstScheduledAt: scheduledAt,
		Status:           entity.ObligationStatusScheduled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Recurrence != nil {
		unit := req.Recurrence.Unit
		count := req.Recurrence.Count
		obligation.RecurrenceUnit = &unit
		obligation.RecurrenceCount = &count
		if req.Recurrence.EndAt != "" {
			end, endErr := req.RecurrenceEndTime()
			if endErr != nil {
				return nil, ErrInvalidRequest
			}
			end = end.UTC()
			obligation.RecurrenceEndAt = &end
		}
	}

	if err := s.obligationRepo.Create(ctx, obligation); err != nil {
		return nil, err
	}

	if err := s.schedule.Push(ctx, obligation.ID, scheduledAt); err != nil {
		// The row exists but was never queued; cancel it so it does not
		// linger as a scheduled obligation nothing will ever execute.
		if _, cancelErr := s.obligationRepo.MarkCancelled(ctx, obligation.ID, time.Now().UTC()); cancelErr != nil {
			s.logger.WithError(cancelErr).WithField("obligation_id", obligation.ID).Error("failed to cancel unqueued obligation")
		}
		return nil, err
	}

	return obligation, nil
}

// CancelObligation removes the obligation from the queue before touching the
// row. Winning the queue removal guarantees no drain pass holds the member,
// so the cancel cannot race an in-flight execution.
func (s *PaymentService) CancelObligation(ctx context.Context, req *types.CancelObligationRequest) (*entity.Obligation, error) {
	removed, err := s.schedule.Remove(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if removed {
		if _, err := s.obligationRepo.MarkCancelled(ctx, req.ID, now); err != nil {
			return nil, err
		}
		return s.reloadObligation(ctx, req.ID)
	}

	// Not queued: either it never existed, it already ran, or a drain pass
	// holds it right now. MarkCancelled is conditional on the scheduled
	// status, so it settles the race with the drain's MarkExecuted.
	obligation, err := s.obligationRepo.FindByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if obligation == nil {
		return nil, ErrObligationNotFound
	}
	if obligation.Status == entity.ObligationStatusCancelled {
		return obligation, nil
	}
	if obligation.Status == entity.ObligationStatusExecuted {
		return nil, ErrObligationAlreadyExecuted
	}

	cancelled, err := s.obligationRepo.MarkCancelled(ctx, req.ID, now)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, ErrObligationAlreadyExecuted
	}
	return s.reloadObligation(ctx, req.ID)
}

func (s *PaymentService) GetObligation(ctx context.Context, id string) (*entity.Obligation, error) {
	obligation, err := s.obligationRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if obligation == nil {
		return nil, ErrObligationNotFound
	}
	return obligation, nil
}

// RunDrainBatch pops due obligations and executes each one. Items are
// isolated: one failure is recorded and requeued, the rest of the batch
// still runs.
func (s *PaymentService) RunDrainBatch(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.schedule.PopDue(ctx, now, int64(s.batchSize()))
	if err != nil {
		return err
	}

	var firstErr error
	for _, id := range due {
		if err := s.executeObligation(ctx, id, now); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}
	return firstErr
}

func (s *PaymentService) executeObligation(ctx context.Context, id string, now time.Time) error {
	obligation, err := s.obligationRepo.FindByID(ctx, id)
	if err != nil {
		s.requeue(ctx, id, now)
		return err
	}
	if obligation == nil {
		s.logger.WithField("obligation_id", id).Warn("queued obligation has no row, dropping")
		return nil
	}
	if obligation.Status != entity.ObligationStatusScheduled {
		return nil
	}

	maxStaleness := s.paymentsCfg.MaxStaleness
	if maxStaleness > 0 && now.Sub(obligation.ScheduledAt) > maxStaleness {
		// Too old to charge in good conscience. A late debit surprises the
		// payer more than a missed one.
		s.logger.WithField("obligation_id", id).WithField("scheduled_at", obligation.ScheduledAt).Warn("obligation exceeded max staleness, cancelling")
		_, cancelErr := s.obligationRepo.MarkCancelled(ctx, id, now)
		return cancelErr
	}

	payment, err := s.SubmitPayment(ctx, &types.SubmitPaymentRequest{
		EntityID:       obligation.EntityID,
		UserID:         obligation.UserID,
		Trigger:        types.TriggerSourceScheduled.String(),
		IdempotencyKey: fmt.Sprintf("sched:%s:%d", obligation.ID, obligation.Occurrence),
		AmountCents:    obligation.AmountCents,
		Currency:       obligation.Currency,
	})
	if err != nil {
		// Transient conditions get another drain pass; the staleness cutoff
		// bounds how long a persistently failing item can circle.
		s.logger.WithError(err).WithField("obligation_id", id).Warn("obligation execution failed, requeueing")
		s.requeue(ctx, id, obligation.ScheduledAt)
		return err
	}

	executed, err := s.obligationRepo.MarkExecuted(ctx, id, &payment.ID, now)
	if err != nil {
		return err
	}
	if !executed {
		// A concurrent cancel won after we popped. The payment stands; the
		// series must not continue.
		s.logger.WithField("obligation_id", id).Info("obligation cancelled mid-execution, not recurring")
		return nil
	}

	return s.scheduleNextOccurrence(ctx, obligation, now)
}

func (s *PaymentService) scheduleNextOccurrence(ctx context.Context, obligation *entity.Obligation, now time.Time) error {
	if !obligation.Recurring() {
		return nil
	}

	next := obligation.Occurrence + 1
	if next >= *obligation.RecurrenceCount {
		return nil
	}

	// The next due time is derived from the original schedule, never from
	// time.Now, so execution jitter cannot drift the series.
	nextAt := nextOccurrenceTime(obligation.FirstScheduledAt, *obligation.RecurrenceUnit, int(next))
	if obligation.RecurrenceEndAt != nil && nextAt.After(*obligation.RecurrenceEndAt) {
		return nil
	}

	successor := &entity.Obligation{
		ID:               uuid.NewString(),
		EntityID:         obligation.EntityID,
		UserID:           obligation.UserID,
		AmountCents:      obligation.AmountCents,
		Currency:         obligation.Currency,
		ScheduledAt:      nextAt,
		Occurrence:       next,
		FirstScheduledAt: obligation.FirstScheduledAt,
		RecurrenceUnit:   obligation.RecurrenceUnit,
		RecurrenceCount:  obligation.RecurrenceCount,
		RecurrenceEndAt:  obligation.RecurrenceEndAt,
		Status:           entity.ObligationStatusScheduled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.obligationRepo.Create(ctx, successor); err != nil {
		return err
	}
	return s.schedule.Push(ctx, successor.ID, nextAt)
}

func (s *PaymentService) requeue(ctx context.Context, id string, due time.Time) {
	if err := s.schedule.Push(ctx, id, due); err != nil {
		s.logger.WithError(err).WithField("obligation_id", id).Error("failed to requeue obligation")
	}
}

func (s *PaymentService) reloadObligation(ctx context.Context, id string) (*entity.Obligation, error) {
	obligation, err := s.obligationRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if obligation == nil {
		return nil, ErrObligationNotFound
	}
	return obligation, nil
}

func nextOccurrenceTime(first time.Time, unit string, n int) time.Time {
	switch unit {
	case "day":
		return first.AddDate(0, 0, n)
	case "week":
		return first.AddDate(0, 0, 7*n)
	case "month":
		return first.AddDate(0, n, 0)
	default:
		return first
	}
}
