package service

import (
	"context"
	"strings"
	"time"

	"github.com/cardpilot/ms-go-autopay/app/repository"
	"github.com/cardpilot/ms-go-autopay/app/types"
)

// RunReconcileBatch polls the gateway for payments stuck in processing. It
// covers the deliveries the webhook path lost: the gateway's stored status is
// fetched and applied through the same conditional transition as everything
// else.
func (s *PaymentService) RunReconcileBatch(ctx context.Context) error {
	now := time.Now().UTC()
	before := now.Add(-s.paymentsCfg.ReconcileStaleAfter)
	items, err := s.paymentRepo.ListStaleProcessing(ctx, before, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, payment := range items {
		if payment == nil || payment.GatewayRef == nil || strings.TrimSpace(*payment.GatewayRef) == "" {
			continue
		}

		gatewayClient, err := s.gatewayReg.Get(payment.Gateway)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		status, err := gatewayClient.GetPaymentStatus(ctx, strings.TrimSpace(*payment.GatewayRef))
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if status == types.PaymentStatusUnspecified || int32(status) == payment.Status {
			continue
		}
		if !types.CanTransition(types.PaymentStatus(payment.Status), status) {
			s.logger.WithField("payment_id", payment.ID).WithField("gateway_status", status.String()).Warn("reconcile found an illegal transition, leaving payment as is")
			continue
		}

		params := repository.TransitionParams{Status: int32(status)}
		if status.Terminal() {
			completedAt := now
			params.CompletedAt = &completedAt
		}

		if _, err := s.applyTransition(ctx, payment.ID, status, params, eventPaymentReconciled, ""); err != nil {
			firstErr = keepFirstErr(firstErr, err)
		}
	}

	return firstErr
}
