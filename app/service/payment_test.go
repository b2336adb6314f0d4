package service

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/cardpilot/ms-go-autopay/app/entity"
	"github.com/cardpilot/ms-go-autopay/app/gateway"
	"github.com/cardpilot/ms-go-autopay/app/repository"
	"github.com/cardpilot/ms-go-autopay/app/types"
	"github.com/cardpilot/ms-go-autopay/config"
)

type fakePaymentRepo struct {
	payments    map[uint64]*entity.Payment
	nextID      uint64
	findByKeyFn func(ctx context.Context, key string) (*entity.Payment, error)
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: map[uint64]*entity.Payment{}, nextID: 1}
}

func (r *fakePaymentRepo) Create(_ context.Context, payment *entity.Payment) error {
	for _, item := range r.payments {
		if item.IdempotencyKey == payment.IdempotencyKey {
			return repository.ErrPaymentAlreadyExists
		}
	}
	id := r.nextID
	r.nextID++
	copyItem := *payment
	copyItem.ID = id
	r.payments[id] = &copyItem
	payment.ID = id
	return nil
}

func (r *fakePaymentRepo) TransitionStatus(_ context.Context, id uint64, from []int32, params repository.TransitionParams) (bool, error) {
	item, ok := r.payments[id]
	if !ok {
		return false, nil
	}

	allowed := false
	for _, status := range from {
		if item.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}

	item.Status = params.Status
	if params.GatewayRef != nil {
		item.GatewayRef = params.GatewayRef
	}
	if params.LastErrorCode != nil {
		item.LastErrorCode = params.LastErrorCode
	}
	if params.SubmittedAt != nil {
		item.SubmittedAt = params.SubmittedAt
	}
	if params.CompletedAt != nil {
		item.CompletedAt = params.CompletedAt
	}
	if params.RetryCount != nil {
		item.RetryCount = *params.RetryCount
	}
	item.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *fakePaymentRepo) FindByID(_ context.Context, id uint64) (*entity.Payment, error) {
	item, ok := r.payments[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *fakePaymentRepo) FindByIdempotencyKey(ctx context.Context, key string) (*entity.Payment, error) {
	if r.findByKeyFn != nil {
		return r.findByKeyFn(ctx, key)
	}
	return r.lookupByKey(key)
}

func (r *fakePaymentRepo) lookupByKey(key string) (*entity.Payment, error) {
	for _, item := range r.payments {
		if item.IdempotencyKey == key {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *fakePaymentRepo) FindByCorrelationToken(_ context.Context, token string) (*entity.Payment, error) {
	for _, item := range r.payments {
		if item.CorrelationToken == token {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *fakePaymentRepo) FindByGatewayRef(_ context.Context, gatewayRef string) (*entity.Payment, error) {
	for _, item := range r.payments {
		if item.GatewayRef != nil && *item.GatewayRef == gatewayRef {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *fakePaymentRepo) List(_ context.Context, filter repository.PaymentFilter) ([]*entity.Payment, error) {
	items := make([]*entity.Payment, 0)
	for _, item := range r.payments {
		if filter.EntityID != "" && item.EntityID != filter.EntityID {
			continue
		}
		if filter.UserID != "" && item.UserID != filter.UserID {
			continue
		}
		if filter.HasStatus && item.Status != filter.Status {
			continue
		}
		copyItem := *item
		items = append(items, &copyItem)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	return items, nil
}

func (r *fakePaymentRepo) ListStaleProcessing(_ context.Context, before time.Time, _ int32) ([]*entity.Payment, error) {
	items := make([]*entity.Payment, 0)
	for _, item := range r.payments {
		if item.Status == int32(types.PaymentStatusProcessing) && item.GatewayRef != nil && !item.UpdatedAt.After(before) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return items, nil
}

type fakeEventRepo struct {
	events []*entity.PaymentEvent
}

func (r *fakeEventRepo) Create(_ context.Context, event *entity.PaymentEvent) error {
	copyItem := *event
	r.events = append(r.events, &copyItem)
	return nil
}

type fakeAuthRepo struct {
	authorizations map[uint64]*entity.Authorization
	nextID         uint64
}

func newFakeAuthRepo() *fakeAuthRepo {
	return &fakeAuthRepo{authorizations: map[uint64]*entity.Authorization{}, nextID: 1}
}

func (r *fakeAuthRepo) Create(_ context.Context, authorization *entity.Authorization) error {
	id := r.nextID
	r.nextID++
	copyItem := *authorization
	copyItem.ID = id
	r.authorizations[id] = &copyItem
	authorization.ID = id
	return nil
}

func (r *fakeAuthRepo) FindActiveByEntity(_ context.Context, entityID string, gatewayCode int32, now time.Time) (*entity.Authorization, error) {
	for _, item := range r.authorizations {
		if item.EntityID == entityID && item.Gateway == gatewayCode && item.Status == entity.AuthorizationStatusActive && item.ExpiresAt.After(now) {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *fakeAuthRepo) UpdateStatusByGatewayRef(_ context.Context, gatewayRef string, status int32, now time.Time) (bool, error) {
	updated := false
	for _, item := range r.authorizations {
		if item.GatewayRef == gatewayRef {
			item.Status = status
			item.UpdatedAt = now
			updated = true
		}
	}
	return updated, nil
}

type fakeObligationRepo struct {
	obligations map[string]*entity.Obligation
}

func newFakeObligationRepo() *fakeObligationRepo {
	return &fakeObligationRepo{obligations: map[string]*entity.Obligation{}}
}

func (r *fakeObligationRepo) Create(_ context.Context, obligation *entity.Obligation) error {
	copyItem := *obligation
	r.obligations[obligation.ID] = &copyItem
	return nil
}

func (r *fakeObligationRepo) FindByID(_ context.Context, id string) (*entity.Obligation, error) {
	item, ok := r.obligations[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *fakeObligationRepo) MarkExecuted(_ context.Context, id string, paymentID *uint64, now time.Time) (bool, error) {
	item, ok := r.obligations[id]
	if !ok || item.Status != entity.ObligationStatusScheduled {
		return false, nil
	}
	item.Status = entity.ObligationStatusExecuted
	item.PaymentID = paymentID
	item.ExecutedAt = &now
	item.UpdatedAt = now
	return true, nil
}

func (r *fakeObligationRepo) MarkCancelled(_ context.Context, id string, now time.Time) (bool, error) {
	item, ok := r.obligations[id]
	if !ok || item.Status != entity.ObligationStatusScheduled {
		return false, nil
	}
	item.Status = entity.ObligationStatusCancelled
	item.UpdatedAt = now
	return true, nil
}

type fakeQueue struct {
	members map[string]time.Time
	pushErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{members: map[string]time.Time{}}
}

func (q *fakeQueue) Push(_ context.Context, member string, due time.Time) error {
	if q.pushErr != nil {
		return q.pushErr
	}
	q.members[member] = due
	return nil
}

func (q *fakeQueue) PopDue(_ context.Context, now time.Time, limit int64) ([]string, error) {
	due := make([]string, 0)
	for member, at := range q.members {
		if !at.After(now) {
			due = append(due, member)
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.members[due[i]].Before(q.members[due[j]]) })
	if int64(len(due)) > limit {
		due = due[:limit]
	}
	for _, member := range due {
		delete(q.members, member)
	}
	return due, nil
}

func (q *fakeQueue) Remove(_ context.Context, member string) (bool, error) {
	if _, ok := q.members[member]; !ok {
		return false, nil
	}
	delete(q.members, member)
	return true, nil
}

type fakeLimiter struct {
	limitedKeys map[string]bool
	seenKeys    []string
}

func (l *fakeLimiter) IsLimited(_ context.Context, key string, _ int, _ time.Duration) bool {
	l.seenKeys = append(l.seenKeys, key)
	return l.limitedKeys[key]
}

type fakeGateway struct {
	authOut      *gateway.AuthorizationOutput
	authErr      error
	authCalls    int
	submitOut    *gateway.SubmitOutput
	submitErr    error
	submitCalls  int
	submitHook   func()
	statusResult types.PaymentStatus
	statusErr    error
	event        *gateway.Event
	eventErr     error
}

func (g *fakeGateway) Code() int32 {
	return int32(types.GatewayTypeRazorpay)
}

func (g *fakeGateway) CreateAuthorization(context.Context, *gateway.AuthorizationInput) (*gateway.AuthorizationOutput, error) {
	g.authCalls++
	if g.authErr != nil {
		return nil, g.authErr
	}
	if g.authOut != nil {
		return g.authOut, nil
	}
	return &gateway.AuthorizationOutput{GatewayRef: "token_fake", Active: true, ExpiresAt: time.Now().UTC().Add(24 * time.Hour)}, nil
}

func (g *fakeGateway) SubmitPayment(context.Context, *gateway.SubmitInput) (*gateway.SubmitOutput, error) {
	g.submitCalls++
	if g.submitHook != nil {
		g.submitHook()
	}
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	if g.submitOut != nil {
		return g.submitOut, nil
	}
	return &gateway.SubmitOutput{GatewayRef: "pay_fake"}, nil
}

func (g *fakeGateway) GetPaymentStatus(context.Context, string) (types.PaymentStatus, error) {
	if g.statusErr != nil {
		return types.PaymentStatusUnspecified, g.statusErr
	}
	return g.statusResult, nil
}

func (g *fakeGateway) VerifyAndParseEvent(context.Context, []byte, string) (*gateway.Event, error) {
	if g.eventErr != nil {
		return nil, g.eventErr
	}
	return g.event, nil
}

type fakeNotifier struct {
	notifications []string
}

func (n *fakeNotifier) PaymentStateChanged(_ context.Context, _ *entity.Payment, eventType string) {
	n.notifications = append(n.notifications, eventType)
}

type testHarness struct {
	svc         *PaymentService
	payments    *fakePaymentRepo
	events      *fakeEventRepo
	auths       *fakeAuthRepo
	obligations *fakeObligationRepo
	queue       *fakeQueue
	limiter     *fakeLimiter
	gateway     *fakeGateway
	notifier    *fakeNotifier
}

func newTestHarness() *testHarness {
	h := &testHarness{
		payments:    newFakePaymentRepo(),
		events:      &fakeEventRepo{},
		auths:       newFakeAuthRepo(),
		obligations: newFakeObligationRepo(),
		queue:       newFakeQueue(),
		limiter:     &fakeLimiter{limitedKeys: map[string]bool{}},
		gateway:     &fakeGateway{},
		notifier:    &fakeNotifier{},
	}
	h.svc = NewPaymentService(
		h.payments,
		h.events,
		h.auths,
		h.obligations,
		h.queue,
		h.limiter,
		gateway.NewRegistry(h.gateway),
		h.notifier,
		config.PaymentsConfig{
			MaxAmountCents:      1000000,
			BillingCycle:        time.Hour,
			MaxStaleness:        24 * time.Hour,
			ReconcileStaleAfter: time.Minute,
			JobBatchSize:        100,
		},
		config.RateLimitsConfig{
			EntityMaxAttempts: 10,
			EntityWindow:      time.Hour,
			UserMaxAttempts:   30,
			UserWindow:        time.Hour,
		},
	)
	return h
}

func (h *testHarness) addActiveMandate(t *testing.T, entityID string) *entity.Authorization {
	t.Helper()
	authorization := &entity.Authorization{
		EntityID:   entityID,
		UserID:     "user-1",
		Gateway:    int32(types.GatewayTypeRazorpay),
		GatewayRef: "token_" + entityID,
		Status:     entity.AuthorizationStatusActive,
		ExpiresAt:  time.Now().UTC().Add(24 * time.Hour),
	}
	if err := h.auths.Create(context.Background(), authorization); err != nil {
		t.Fatalf("create mandate failed: %v", err)
	}
	return authorization
}

func submitRequest(key string) *types.SubmitPaymentRequest {
	return &types.SubmitPaymentRequest{
		EntityID:       "ent-1",
		UserID:         "user-1",
		Trigger:        "manual",
		IdempotencyKey: key,
		AmountCents:    49900,
		Currency:       "INR",
	}
}

func TestSubmitPaymentHappyPath(t *testing.T) {
	h := newTestHarness()
	h.addActiveMandate(t, "ent-1")

	payment, err := h.svc.SubmitPayment(context.Background(), submitRequest("key-1"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if payment.Status != int32(types.PaymentStatusProcessing) {
		t.Fatalf("expected processing, got %d", payment.Status)
	}
	if payment.GatewayRef == nil || *payment.GatewayRef != "pay_fake" {
		t.Fatalf("gateway ref not recorded: %v", payment.GatewayRef)
	}
	if payment.SubmittedAt == nil {
		t.Fatal("submitted_at not recorded")
	}
	if h.gateway.submitCalls != 1 {
		t.Fatalf("expected 1 gateway call, got %d", h.gateway.submitCalls)
	}
}

func TestSubmitPaymentIdempotentByKey(t *testing.T) {
	h := newTestHarness()
	h.addActiveMandate(t, "ent-1")

	first, err := h.svc.SubmitPayment(context.Background(), submitRequest("key-1"))
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := h.svc.SubmitPayment(context.Background(), submitRequest("key-1"))
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("expected one payment per key, got %d and %d", first.ID, second.ID)
	}
	if h.gateway.submitCalls != 1 {
		t.Fatalf("retry must not reach the gateway, got %d calls", h.gateway.submitCalls)
	}
}

func TestSubmitPaymentLostInsertRaceReturnsWinner(t *testing.T) {
	h := newTestHarness()
	h.addActiveMandate(t, "ent-1")

	// Two requests with the same key race: both lookups see no row, both
	// insert, one wins. Here the first lookup reports no row while a rival
	// slips the winning row in underneath, so this caller's insert collides.
	lookups := 0
	h.payments.findByKeyFn = func(ctx context.Context, key string) (*entity.Payment, error) {
		lookups++
		if lookups == 1 {
			winner := &entity.Payment{
				IdempotencyKey: key,
				EntityID:       "ent-1",
				UserID:         "user-1",
				AmountCents:    49900,
				Currency:       "INR",
				Status:         int32(types.PaymentStatusProcessing),
			}
			if err := h.payments.Create(ctx, winner); err != nil {
				t.Fatalf("seeding winner failed: %v", err)
			}
			return nil, nil
		}
		return h.payments.lookupByKey(key)
	}

	payment, err := h.svc.SubmitPayment(context.Background(), submitRequest("key-1"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if payment.ID != 1 {
		t.Fatalf("expected the winner's row, got id %d", payment.ID)
	}
	if payment.Status != int32(types.PaymentStatusProcessing) {
		t.Fatalf("winner's status clobbered, got %d", payment.Status)
	}
	if lookups != 2 {
		t.Fatalf("expected a re-read after the insert conflict, got %d lookups", lookups)
	}
	if h.gateway.submitCalls != 0 {
		t.Fatalf("losing the insert race must not reach the gateway, got %d calls", h.gateway.submitCalls)
	}
	if len(h.payments.payments) != 1 {
		t.Fatalf("expected exactly one row per key, got %d", len(h.payments.payments))
	}
}

func TestSubmitPaymentManualRequiresKey(t *testing.T) {
	h := newTestHarness()
	h.addActiveMandate(t, "ent-1")

	_, err := h.svc.SubmitPayment(context.Background(), submitRequest(""))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestSubmitPaymentAutomaticDerivesCycleKey(t *testing.T) {
	h := newTestHarness()
	h.addActiveMandate(t, "ent-1")

	req := submitRequest("")
	req.Trigger = "automatic"

	first, err := h.svc.SubmitPayment(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := h.svc.SubmitPayment(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("automatic charges in one cycle must collapse, got %d and %d", first.ID, second.ID)
	}
	if h.gateway.submitCalls != 1 {
		t.Fatalf("expected 1 gateway call, got %d", h.gateway.submitCalls)
	}
}

func TestSubmitPaymentRateLimited(t *testing.T) {
	h := newTestHarness()
	h.addActiveMandate(t, "ent-1")
	h.limiter.limitedKeys["entity:ent-1"] = true

	_, err := h.svc.SubmitPayment(context.Background(), submitRequest("key-1"))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(h.payments.payments) != 0 {
		t.Fatal("limited submission must not create a payment")
	}
}

func TestSubmitPaymentWithoutMandate(t *testing.T) {
	h := newTestHarness()

	_, err := h.svc.SubmitPayment(context.Background(), submitRequest("key-1"))
	if !errors.Is(err, ErrMandateRequired) {
		t.Fatalf("expected ErrMandateRequired, got %v", err)
	}
}

func TestSubmitPaymentAmountCeiling(t *testing.T) {
	h := newTestHarness()
	h.addActiveMandate(t, "ent-1")

	req := submitRequest("key-big")
	req.AmountCents = 2000000

	_, err := h.svc.SubmitPayment(context.Background(), req)
	if !errors.Is(err, ErrAmountTooLarge) {
		t.Fatalf("expected ErrAmountTooLarge, got %v", err)
	}
}

func TestSubmitPaymentRejectsNonPositiveAmount(t *testing.T) {
	h := newTestHarness()
	h.addActiveMandate(t, "ent-1")

	for _, amount := range []int64{0, -100} {
		req := submitRequest("key-zero")
		req.AmountCents = amount

		if _, err := h.svc.SubmitPayment(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for amount %d, got %v", amount, err)
		}
	}
	if len(h.payments.payments) != 0 {
		t.Fatal("non-positive amounts must not create a payment")
	}
}

func TestSubmitPaymentGatewayRejectionMarksFailed(t *testing.T) {
	h := newTestHarness()
	h.addActiveMandate(t, "ent-1")
	h.gateway.submitErr = &gateway.RequestError{
		Failure:    gateway.FailureRejected,
		StatusCode: 400,
		Code:       "bad_request_error",
	}

	payment, err := h.svc.SubmitPayment(context.Background(), submitRequest("key-1"))
	if err != nil {
		t.Fatalf("submit returned error instead of failed payment: %v", err)
	}
	if payment.Status != int32(types.PaymentStatusFailed) {
		t.Fatalf("expected failed, got %d", payment.Status)
	}
	if payment.LastErrorCode == nil || *payment.LastErrorCode != "bad_request_error" {
		t.Fatalf("rejection code not recorded: %v", payment.LastErrorCode)
	}
}

func TestSubmitPaymentKeepsWebhookOutcomeOnRace(t *testing.T) {
	h := newTestHarness()
	h.addActiveMandate(t, "ent-1")

	// The gateway's webhook lands before the orchestrator records its own
	// processing transition. The stored completed state must survive.
	h.gateway.submitHook = func() {
		for id := range h.payments.payments {
			completedAt := time.Now().UTC()
			ref := "pay_fake"
			_, _ = h.payments.TransitionStatus(context.Background(), id,
				[]int32{int32(types.PaymentStatusPending), int32(types.PaymentStatusProcessing)},
				repository.TransitionParams{
					Status:      int32(types.PaymentStatusCompleted),
					GatewayRef:  &ref,
					CompletedAt: &completedAt,
				})
		}
	}

	payment, err := h.svc.SubmitPayment(context.Background(), submitRequest("key-1"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if payment.Status != int32(types.PaymentStatusCompleted) {
		t.Fatalf("webhook outcome was clobbered, got status %d", payment.Status)
	}
}

func TestCancelPaymentTerminalIsInvalid(t *testing.T) {
	h := newTestHarness()
	h.payments.payments[1] = &entity.Payment{ID: 1, Status: int32(types.PaymentStatusCompleted)}
	h.payments.nextID = 2

	_, err := h.svc.CancelPayment(context.Background(), &types.CancelPaymentRequest{ID: 1, Reason: "duplicate"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestCancelPaymentPending(t *testing.T) {
	h := newTestHarness()
	h.payments.payments[1] = &entity.Payment{ID: 1, Status: int32(types.PaymentStatusPending)}
	h.payments.nextID = 2

	payment, err := h.svc.CancelPayment(context.Background(), &types.CancelPaymentRequest{ID: 1})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if payment.Status != int32(types.PaymentStatusCancelled) {
		t.Fatalf("expected cancelled, got %d", payment.Status)
	}
}

func TestRefundPaymentOnlyFromCompleted(t *testing.T) {
	h := newTestHarness()
	h.payments.payments[1] = &entity.Payment{ID: 1, Status: int32(types.PaymentStatusCompleted)}
	h.payments.payments[2] = &entity.Payment{ID: 2, Status: int32(types.PaymentStatusPending)}
	h.payments.nextID = 3

	refunded, err := h.svc.RefundPayment(context.Background(), &types.RefundPaymentRequest{ID: 1})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refunded.Status != int32(types.PaymentStatusRefunded) {
		t.Fatalf("expected refunded, got %d", refunded.Status)
	}

	if _, err := h.svc.RefundPayment(context.Background(), &types.RefundPaymentRequest{ID: 2}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for pending refund, got %v", err)
	}
}

func TestGetPaymentNotFound(t *testing.T) {
	h := newTestHarness()
	if _, err := h.svc.GetPayment(context.Background(), 42); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestSubmitPaymentNotifiesOnTransition(t *testing.T) {
	h := newTestHarness()
	h.addActiveMandate(t, "ent-1")

	if _, err := h.svc.SubmitPayment(context.Background(), submitRequest("key-1")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(h.notifier.notifications) == 0 {
		t.Fatal("expected a state change notification")
	}
	if h.notifier.notifications[0] != eventPaymentSubmitted {
		t.Fatalf("unexpected notification: %s", h.notifier.notifications[0])
	}
}
