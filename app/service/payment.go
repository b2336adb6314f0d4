package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cardpilot/ms-go-autopay/app/entity"
	"github.com/cardpilot/ms-go-autopay/app/factory"
	"github.com/cardpilot/ms-go-autopay/app/gateway"
	"github.com/cardpilot/ms-go-autopay/app/repository"
	"github.com/cardpilot/ms-go-autopay/app/types"
	"github.com/cardpilot/ms-go-autopay/config"
)

const (
	defaultListLimit = int32(100)
	defaultBatchSize = int32(100)
)

const (
	eventPaymentCreated      = "payment_created"
	eventPaymentSubmitted    = "payment_submitted"
	eventPaymentSubmitFailed = "payment_submit_failed"
	eventPaymentCancelled    = "payment_cancelled"
	eventPaymentRefunded     = "payment_refunded"
	eventPaymentReconciled   = "payment_reconciled"
	eventGatewayWebhook      = "gateway_webhook"
)

type paymentRepository interface {
	Create(ctx context.Context, payment *entity.Payment) error
	FindByID(ctx context.Context, id uint64) (*entity.Payment, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*entity.Payment, error)
	FindByCorrelationToken(ctx context.Context, token string) (*entity.Payment, error)
	FindByGatewayRef(ctx context.Context, gatewayRef string) (*entity.Payment, error)
	List(ctx context.Context, filter repository.PaymentFilter) ([]*entity.Payment, error)
	ListStaleProcessing(ctx context.Context, before time.Time, limit int32) ([]*entity.Payment, error)
	TransitionStatus(ctx context.Context, id uint64, from []int32, params repository.TransitionParams) (bool, error)
}

type paymentEventRepository interface {
	Create(ctx context.Context, event *entity.PaymentEvent) error
}

type authorizationRepository interface {
	Create(ctx context.Context, authorization *entity.Authorization) error
	FindActiveByEntity(ctx context.Context, entityID string, gatewayCode int32, now time.Time) (*entity.Authorization, error)
	UpdateStatusByGatewayRef(ctx context.Context, gatewayRef string, status int32, now time.Time) (bool, error)
}

type obligationRepository interface {
	Create(ctx context.Context, obligation *entity.Obligation) error
	FindByID(ctx context.Context, id string) (*entity.Obligation, error)
	MarkExecuted(ctx context.Context, id string, paymentID *uint64, now time.Time) (bool, error)
	MarkCancelled(ctx context.Context, id string, now time.Time) (bool, error)
}

type scheduleQueue interface {
	Push(ctx context.Context, member string, due time.Time) error
	PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Remove(ctx context.Context, member string) (bool, error)
}

type rateLimiter interface {
	IsLimited(ctx context.Context, key string, maxAttempts int, window time.Duration) bool
}

type PaymentService struct {
	paymentRepo    paymentRepository
	eventRepo      paymentEventRepository
	authRepo       authorizationRepository
	obligationRepo obligationRepository
	schedule       scheduleQueue
	limiter        rateLimiter
	gatewayReg     *gateway.Registry
	notifier       Notifier
	paymentsCfg    config.PaymentsConfig
	limitsCfg      config.RateLimitsConfig
	logger         logrus.FieldLogger
}

func NewPaymentService(
	paymentRepo paymentRepository,
	eventRepo paymentEventRepository,
	authRepo authorizationRepository,
	obligationRepo obligationRepository,
	schedule scheduleQueue,
	limiter rateLimiter,
	gatewayReg *gateway.Registry,
	notifier Notifier,
	paymentsCfg config.PaymentsConfig,
	limitsCfg config.RateLimitsConfig,
) *PaymentService {
	if notifier == nil {
		notifier = NewLogNotifier()
	}

	return &PaymentService{
		paymentRepo:    paymentRepo,
		eventRepo:      eventRepo,
		authRepo:       authRepo,
		obligationRepo: obligationRepo,
		schedule:       schedule,
		limiter:        limiter,
		gatewayReg:     gatewayReg,
		notifier:       notifier,
		paymentsCfg:    paymentsCfg,
		limitsCfg:      limitsCfg,
		logger:         factory.NewModuleLogger("payments"),
	}
}

// SubmitPayment runs one debit attempt end to end: resolve the idempotency
// key, refuse duplicates and over-limit bursts, resolve the entity's mandate,
// create the local row, then hand the charge to the gateway. The returned
// payment reflects the outcome; a gateway rejection surfaces as a failed
// payment, not an error.
func (s *PaymentService) SubmitPayment(ctx context.Context, req *types.SubmitPaymentRequest) (*entity.Payment, error) {
	trigger, ok := types.ParseTriggerSource(req.Trigger)
	if !ok {
		return nil, ErrInvalidRequest
	}

	key, err := s.resolveIdempotencyKey(req, trigger)
	if err != nil {
		return nil, err
	}

	existing, err := s.paymentRepo.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if s.paymentsCfg.MaxAmountCents > 0 && req.AmountCents > s.paymentsCfg.MaxAmountCents {
		return nil, ErrAmountTooLarge
	}

	if s.limiter.IsLimited(ctx, "entity:"+req.EntityID, s.limitsCfg.EntityMaxAttempts, s.limitsCfg.EntityWindow) {
		return nil, ErrRateLimited
	}
	if s.limiter.IsLimited(ctx, "user:"+req.UserID, s.limitsCfg.UserMaxAttempts, s.limitsCfg.UserWindow) {
		return nil, ErrRateLimited
	}

	gatewayCode := int32(types.GatewayTypeRazorpay)
	gatewayClient, err := s.gatewayReg.Get(gatewayCode)
	if err != nil {
		return nil, ErrGatewayUnsupported
	}

	now := time.Now().UTC()
	authorization, err := s.authRepo.FindActiveByEntity(ctx, req.EntityID, gatewayCode, now)
	if err != nil {
		return nil, err
	}
	if !authorization.Usable(now) {
		return nil, ErrMandateRequired
	}

	payment := &entity.Payment{
		IdempotencyKey:   key,
		EntityID:         req.EntityID,
		UserID:           req.UserID,
		AmountCents:      req.AmountCents,
		Currency:         strings.ToUpper(req.Currency),
		Status:           int32(types.PaymentStatusPending),
		Trigger:          int32(trigger),
		Gateway:          gatewayCode,
		AuthorizationID:  &authorization.ID,
		CorrelationToken: uuid.NewString(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.paymentRepo.Create(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrPaymentAlreadyExists) {
			// Lost the insert race: another request with the same key got
			// there first. Return its row instead of charging twice.
			winner, findErr := s.paymentRepo.FindByIdempotencyKey(ctx, key)
			if findErr != nil {
				return nil, findErr
			}
			if winner == nil {
				return nil, err
			}
			return winner, nil
		}
		return nil, err
	}

	_ = s.eventRepo.Create(ctx, &entity.PaymentEvent{
		PaymentID: payment.ID,
		EventType: eventPaymentCreated,
		NewStatus: payment.Status,
		CreatedAt: now,
	})

	return s.submitToGateway(ctx, payment, gatewayClient, authorization)
}

func (s *PaymentService) submitToGateway(ctx context.Context, payment *entity.Payment, gatewayClient gateway.Gateway, authorization *entity.Authorization) (*entity.Payment, error) {
	output, err := gatewayClient.SubmitPayment(ctx, &gateway.SubmitInput{
		AuthorizationRef: authorization.GatewayRef,
		AmountCents:      payment.AmountCents,
		Currency:         payment.Currency,
		CorrelationToken: payment.CorrelationToken,
		IdempotencyToken: payment.IdempotencyKey,
	})
	if err != nil {
		var reqErr *gateway.RequestError
		if errors.As(err, &reqErr) {
			return s.markSubmitFailed(ctx, payment, reqErr.Code)
		}
		return s.markSubmitFailed(ctx, payment, "gateway_error")
	}

	now := time.Now().UTC()
	applied, err := s.applyTransition(ctx, payment.ID, types.PaymentStatusProcessing, repository.TransitionParams{
		Status:      int32(types.PaymentStatusProcessing),
		GatewayRef:  &output.GatewayRef,
		SubmittedAt: &now,
	}, eventPaymentSubmitted, output.GatewayRef)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A webhook already drove the payment to a terminal state before we
		// recorded the submission. The stored row is the truth.
		s.logger.WithField("payment_id", payment.ID).Info("submission recorded after terminal webhook, keeping stored status")
	}

	return s.reload(ctx, payment.ID)
}

func (s *PaymentService) markSubmitFailed(ctx context.Context, payment *entity.Payment, errorCode string) (*entity.Payment, error) {
	now := time.Now().UTC()
	_, err := s.applyTransition(ctx, payment.ID, types.PaymentStatusFailed, repository.TransitionParams{
		Status:        int32(types.PaymentStatusFailed),
		LastErrorCode: &errorCode,
		CompletedAt:   &now,
	}, eventPaymentSubmitFailed, "")
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, payment.ID)
}

func (s *PaymentService) GetPayment(ctx context.Context, id uint64) (*entity.Payment, error) {
	payment, err := s.paymentRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

func (s *PaymentService) ListPayments(ctx context.Context, req *types.ListPaymentsRequest) ([]*entity.Payment, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	return s.paymentRepo.List(ctx, repository.PaymentFilter{
		EntityID:  req.EntityID,
		UserID:    req.UserID,
		HasStatus: req.HasStatus,
		Status:    int32(req.Status),
		Limit:     limit,
		Offset:    req.Offset,
	})
}

func (s *PaymentService) CancelPayment(ctx context.Context, req *types.CancelPaymentRequest) (*entity.Payment, error) {
	payment, err := s.GetPayment(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	if types.PaymentStatus(payment.Status).Terminal() {
		return nil, fmt.Errorf("%w: %s payments cannot be cancelled", ErrInvalidStatus, types.PaymentStatus(payment.Status))
	}

	now := time.Now().UTC()
	applied, err := s.applyTransition(ctx, payment.ID, types.PaymentStatusCancelled, repository.TransitionParams{
		Status:      int32(types.PaymentStatusCancelled),
		CompletedAt: &now,
	}, eventPaymentCancelled, "")
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: payment reached a terminal state first", ErrInvalidStatus)
	}

	return s.reload(ctx, payment.ID)
}

func (s *PaymentService) RefundPayment(ctx context.Context, req *types.RefundPaymentRequest) (*entity.Payment, error) {
	payment, err := s.GetPayment(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	if payment.Status != int32(types.PaymentStatusCompleted) {
		return nil, fmt.Errorf("%w: only completed payments can be refunded", ErrInvalidStatus)
	}

	now := time.Now().UTC()
	applied, err := s.applyTransition(ctx, payment.ID, types.PaymentStatusRefunded, repository.TransitionParams{
		Status:      int32(types.PaymentStatusRefunded),
		CompletedAt: &now,
	}, eventPaymentRefunded, "")
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: payment changed state first", ErrInvalidStatus)
	}

	return s.reload(ctx, payment.ID)
}

// applyTransition is the single write path for status changes. The update is
// conditional on the legal-predecessor set, so a transition that lost a race
// is reported as not applied rather than overwriting a fresher state.
func (s *PaymentService) applyTransition(ctx context.Context, id uint64, to types.PaymentStatus, params repository.TransitionParams, eventType, gatewayEventID string) (bool, error) {
	from := types.LegalPredecessors(to)
	sources := make([]int32, 0, len(from))
	for _, status := range from {
		sources = append(sources, int32(status))
	}

	applied, err := s.paymentRepo.TransitionStatus(ctx, id, sources, params)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	now := time.Now().UTC()
	event := &entity.PaymentEvent{
		PaymentID: id,
		EventType: eventType,
		NewStatus: params.Status,
		CreatedAt: now,
	}
	if gatewayEventID != "" {
		event.GatewayEventID = &gatewayEventID
	}
	_ = s.eventRepo.Create(ctx, event)

	if updated, reloadErr := s.paymentRepo.FindByID(ctx, id); reloadErr == nil && updated != nil {
		s.notifier.PaymentStateChanged(ctx, updated, eventType)
	}

	return true, nil
}

func (s *PaymentService) reload(ctx context.Context, id uint64) (*entity.Payment, error) {
	payment, err := s.paymentRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

// resolveIdempotencyKey picks the deduplication key for a submission. Manual
// charges must bring their own key. Automatic charges derive one from the
// entity and the billing cycle the charge falls into, so retries anywhere in
// the cycle collapse onto one payment regardless of when they fire.
func (s *PaymentService) resolveIdempotencyKey(req *types.SubmitPaymentRequest, trigger types.TriggerSource) (string, error) {
	if req.IdempotencyKey != "" {
		return req.IdempotencyKey, nil
	}

	switch trigger {
	case types.TriggerSourceAutomatic:
		cycle := s.paymentsCfg.BillingCycle
		if cycle <= 0 {
			cycle = 24 * time.Hour
		}
		bucket := time.Now().UTC().Unix() / int64(cycle.Seconds())
		return fmt.Sprintf("auto:%s:%d", req.EntityID, bucket), nil
	default:
		return "", fmt.Errorf("%w: idempotency_key is required for %s payments", ErrInvalidRequest, trigger)
	}
}

func (s *PaymentService) batchSize() int32 {
	if s.paymentsCfg.JobBatchSize > 0 {
		return s.paymentsCfg.JobBatchSize
	}
	return defaultBatchSize
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
