package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cardpilot/ms-go-autopay/app/types"
)

var ErrGatewayNotSupported = errors.New("gateway is not supported")

type AuthorizationInput struct {
	EntityID    string
	UserID      string
	AmountCents int64
	Currency    string
}

type AuthorizationOutput struct {
	GatewayRef string
	Active     bool
	ExpiresAt  time.Time
}

type SubmitInput struct {
	AuthorizationRef string
	AmountCents      int64
	Currency         string

	// CorrelationToken is echoed back in webhook events so the reconciler
	// can find the local payment row.
	CorrelationToken string
	IdempotencyToken string
}

type SubmitOutput struct {
	GatewayRef string
}

// Event is a verified, parsed webhook event.
type Event struct {
	Kind             types.EventKind
	EventID          string
	GatewayRef       string
	CorrelationToken string
	AmountCents      int64
	ErrorCode        string
}

type Gateway interface {
	Code() int32
	CreateAuthorization(ctx context.Context, input *AuthorizationInput) (*AuthorizationOutput, error)
	SubmitPayment(ctx context.Context, input *SubmitInput) (*SubmitOutput, error)
	GetPaymentStatus(ctx context.Context, gatewayRef string) (types.PaymentStatus, error)
	VerifyAndParseEvent(ctx context.Context, payload []byte, signature string) (*Event, error)
}

type Registry struct {
	gateways map[int32]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	items := make(map[int32]Gateway, len(gateways))
	for _, g := range gateways {
		items[g.Code()] = g
	}
	return &Registry{gateways: items}
}

func (r *Registry) Get(code int32) (Gateway, error) {
	g, ok := r.gateways[code]
	if !ok {
		return nil, ErrGatewayNotSupported
	}
	return g, nil
}

func ParseGatewayCode(raw string) (int32, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "razorpay", "1":
		return int32(types.GatewayTypeRazorpay), nil
	default:
		return 0, ErrGatewayNotSupported
	}
}
