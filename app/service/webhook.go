package service

import (
	"context"
	"strings"
	"time"

	"github.com/cardpilot/ms-go-autopay/app/entity"
	"github.com/cardpilot/ms-go-autopay/app/gateway"
	"github.com/cardpilot/ms-go-autopay/app/repository"
	"github.com/cardpilot/ms-go-autopay/app/types"
)

// HandleGatewayEvent verifies and applies one webhook delivery. Deliveries
// are at-least-once and unordered, so every outcome here must be idempotent:
// replays and late events fall through the conditional transition and change
// nothing. A nil payment with a nil error means the event was acknowledged
// without touching a payment.
func (s *PaymentService) HandleGatewayEvent(ctx context.Context, req *types.HandleWebhookRequest) (*entity.Payment, error) {
	gatewayCode, err := gateway.ParseGatewayCode(req.Gateway)
	if err != nil {
		return nil, ErrGatewayUnsupported
	}
	gatewayClient, err := s.gatewayReg.Get(gatewayCode)
	if err != nil {
		return nil, ErrGatewayUnsupported
	}

	event, err := gatewayClient.VerifyAndParseEvent(ctx, req.Payload, req.Signature)
	if err != nil {
		s.logger.WithError(err).WithField("gateway", req.Gateway).Warn("gateway event rejected")
		return nil, ErrWebhookUnverified
	}

	now := time.Now().UTC()
	switch event.Kind {
	case types.EventKindPaymentCaptured, types.EventKindSubscriptionCharge:
		return s.applyGatewayOutcome(ctx, event, types.PaymentStatusCompleted, now)
	case types.EventKindPaymentFailed:
		return s.applyGatewayOutcome(ctx, event, types.PaymentStatusFailed, now)
	case types.EventKindRefundProcessed:
		return s.applyGatewayOutcome(ctx, event, types.PaymentStatusRefunded, now)
	case types.EventKindMandateActivated:
		return nil, s.updateMandate(ctx, event.GatewayRef, entity.AuthorizationStatusActive, now)
	case types.EventKindMandateRevoked:
		return nil, s.updateMandate(ctx, event.GatewayRef, entity.AuthorizationStatusRevoked, now)
	default:
		s.logger.WithField("gateway", req.Gateway).Info("acknowledged unknown gateway event")
		return nil, nil
	}
}

func (s *PaymentService) applyGatewayOutcome(ctx context.Context, event *gateway.Event, to types.PaymentStatus, now time.Time) (*entity.Payment, error) {
	payment, err := s.locatePayment(ctx, event)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		// Unknown to us. Acknowledge so the gateway stops retrying; the
		// reconcile job cannot help with a payment that has no local row.
		s.logger.WithField("gateway_ref", event.GatewayRef).WithField("correlation_token", event.CorrelationToken).Warn("gateway event for unknown payment, ignoring")
		return nil, nil
	}

	params := repository.TransitionParams{Status: int32(to)}
	if strings.TrimSpace(event.GatewayRef) != "" {
		ref := strings.TrimSpace(event.GatewayRef)
		params.GatewayRef = &ref
	}
	if event.ErrorCode != "" {
		code := event.ErrorCode
		params.LastErrorCode = &code
	}
	if to.Terminal() {
		params.CompletedAt = &now
	}

	applied, err := s.applyTransition(ctx, payment.ID, to, params, eventGatewayWebhook, event.EventID)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Replay or a late event that lost to a fresher state.
		s.logger.WithField("payment_id", payment.ID).WithField("target_status", to.String()).Info("gateway event did not advance payment")
	}

	return s.reload(ctx, payment.ID)
}

// locatePayment resolves the local row for a gateway event. The correlation
// token is authoritative when present; refund events only carry the gateway
// payment reference.
func (s *PaymentService) locatePayment(ctx context.Context, event *gateway.Event) (*entity.Payment, error) {
	if token := strings.TrimSpace(event.CorrelationToken); token != "" {
		payment, err := s.paymentRepo.FindByCorrelationToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if payment != nil {
			return payment, nil
		}
	}

	if ref := strings.TrimSpace(event.GatewayRef); ref != "" {
		return s.paymentRepo.FindByGatewayRef(ctx, ref)
	}
	return nil, nil
}

func (s *PaymentService) updateMandate(ctx context.Context, gatewayRef string, status int32, now time.Time) error {
	gatewayRef = strings.TrimSpace(gatewayRef)
	if gatewayRef == "" {
		return nil
	}

	updated, err := s.authRepo.UpdateStatusByGatewayRef(ctx, gatewayRef, status, now)
	if err != nil {
		return err
	}
	if !updated {
		s.logger.WithField("gateway_ref", gatewayRef).Warn("mandate event for unknown authorization, ignoring")
	}
	return nil
}
