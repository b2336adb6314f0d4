package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cardpilot/ms-go-autopay/app/types"
)

var ErrSignatureInvalid = errors.New("gateway event signature is invalid")

const defaultRazorpayBaseURL = "https://api.razorpay.com"

// razorpayEventKinds maps wire event names to the closed event set. Events
// outside this table are parsed with EventKindUnknown so callers can
// acknowledge them without acting.
var razorpayEventKinds = map[string]types.EventKind{
	"payment.captured":     types.EventKindPaymentCaptured,
	"payment.failed":       types.EventKindPaymentFailed,
	"refund.processed":     types.EventKindRefundProcessed,
	"token.confirmed":      types.EventKindMandateActivated,
	"token.rejected":       types.EventKindMandateRevoked,
	"token.cancelled":      types.EventKindMandateRevoked,
	"subscription.charged": types.EventKindSubscriptionCharge,
}

type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	Retry         RetryPolicy
}

type RazorpayGateway struct {
	cfg    RazorpayConfig
	client *retryingClient
	logger logrus.FieldLogger
}

func NewRazorpayGateway(cfg RazorpayConfig, logger logrus.FieldLogger) *RazorpayGateway {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultRazorpayBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &RazorpayGateway{
		cfg:    cfg,
		client: newRetryingClient(cfg.Retry, logger),
		logger: logger,
	}
}

func (g *RazorpayGateway) Code() int32 {
	return int32(types.GatewayTypeRazorpay)
}

func (g *RazorpayGateway) CreateAuthorization(ctx context.Context, input *AuthorizationInput) (*AuthorizationOutput, error) {
	if strings.TrimSpace(g.cfg.KeySecret) == "" {
		return nil, errors.New("razorpay key secret is not configured")
	}

	request := map[string]interface{}{
		"method":     "upi",
		"max_amount": input.AmountCents,
		"currency":   strings.ToUpper(input.Currency),
		"notes": map[string]string{
			"entity_id": input.EntityID,
			"user_id":   input.UserID,
		},
	}

	body, err := g.postJSON(ctx, "/v1/tokens", request)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		ExpiredAt int64  `json:"expired_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return nil, errors.New("razorpay token id missing")
	}

	out := &AuthorizationOutput{
		GatewayRef: strings.TrimSpace(payload.ID),
		Active:     payload.Status == "confirmed" || payload.Status == "active",
	}
	if payload.ExpiredAt > 0 {
		out.ExpiresAt = time.Unix(payload.ExpiredAt, 0).UTC()
	}
	return out, nil
}

func (g *RazorpayGateway) SubmitPayment(ctx context.Context, input *SubmitInput) (*SubmitOutput, error) {
	if strings.TrimSpace(g.cfg.KeySecret) == "" {
		return nil, errors.New("razorpay key secret is not configured")
	}
	if strings.TrimSpace(input.AuthorizationRef) == "" {
		return nil, errors.New("authorization reference is required")
	}

	request := map[string]interface{}{
		"token":     input.AuthorizationRef,
		"amount":    input.AmountCents,
		"currency":  strings.ToUpper(input.Currency),
		"receipt":   input.IdempotencyToken,
		"recurring": "1",
		"notes": map[string]string{
			"correlation_token": input.CorrelationToken,
		},
	}

	body, err := g.postJSON(ctx, "/v1/payments/create/recurring", request)
	if err != nil {
		return nil, err
	}

	var payload struct {
		RazorpayPaymentID string `json:"razorpay_payment_id"`
		ID                string `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	ref := strings.TrimSpace(payload.RazorpayPaymentID)
	if ref == "" {
		ref = strings.TrimSpace(payload.ID)
	}
	if ref == "" {
		return nil, errors.New("razorpay payment id missing")
	}
	return &SubmitOutput{GatewayRef: ref}, nil
}

func (g *RazorpayGateway) GetPaymentStatus(ctx context.Context, gatewayRef string) (types.PaymentStatus, error) {
	gatewayRef = strings.TrimSpace(gatewayRef)
	if gatewayRef == "" {
		return types.PaymentStatusUnspecified, nil
	}

	body, err := g.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/v1/payments/"+url.PathEscape(gatewayRef), nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(g.cfg.KeyID, g.cfg.KeySecret)
		return req, nil
	})
	if err != nil {
		return types.PaymentStatusUnspecified, err
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return types.PaymentStatusUnspecified, err
	}

	switch payload.Status {
	case "captured":
		return types.PaymentStatusCompleted, nil
	case "failed":
		return types.PaymentStatusFailed, nil
	case "refunded":
		return types.PaymentStatusRefunded, nil
	case "created", "authorized":
		return types.PaymentStatusProcessing, nil
	default:
		return types.PaymentStatusUnspecified, nil
	}
}

func (g *RazorpayGateway) VerifyAndParseEvent(_ context.Context, payload []byte, signature string) (*Event, error) {
	if strings.TrimSpace(g.cfg.WebhookSecret) == "" {
		return nil, errors.New("razorpay webhook secret is not configured")
	}
	if !verifyRazorpaySignature(payload, signature, g.cfg.WebhookSecret) {
		return nil, ErrSignatureInvalid
	}

	var envelope struct {
		Event   string `json:"event"`
		Payload struct {
			Payment struct {
				Entity razorpayPaymentEntity `json:"entity"`
			} `json:"payment"`
			Refund struct {
				Entity struct {
					ID        string `json:"id"`
					PaymentID string `json:"payment_id"`
					Amount    int64  `json:"amount"`
				} `json:"entity"`
			} `json:"refund"`
			Token struct {
				Entity struct {
					ID string `json:"id"`
				} `json:"entity"`
			} `json:"token"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, err
	}

	kind := razorpayEventKinds[envelope.Event]
	event := &Event{
		Kind:    kind,
		EventID: eventDigest(payload),
	}

	switch kind {
	case types.EventKindPaymentCaptured, types.EventKindPaymentFailed, types.EventKindSubscriptionCharge:
		entity := envelope.Payload.Payment.Entity
		event.GatewayRef = strings.TrimSpace(entity.ID)
		event.CorrelationToken = strings.TrimSpace(entity.Notes.CorrelationToken)
		event.AmountCents = entity.Amount
		event.ErrorCode = strings.TrimSpace(entity.ErrorCode)
	case types.EventKindRefundProcessed:
		entity := envelope.Payload.Refund.Entity
		event.GatewayRef = strings.TrimSpace(entity.PaymentID)
		event.AmountCents = entity.Amount
	case types.EventKindMandateActivated, types.EventKindMandateRevoked:
		event.GatewayRef = strings.TrimSpace(envelope.Payload.Token.Entity.ID)
	default:
		g.logger.WithField("event", envelope.Event).Info("ignoring unknown gateway event")
	}

	return event, nil
}

type razorpayPaymentEntity struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	ErrorCode string `json:"error_code"`
	Notes     struct {
		CorrelationToken string `json:"correlation_token"`
	} `json:"notes"`
}

func (g *RazorpayGateway) postJSON(ctx context.Context, path string, request interface{}) ([]byte, error) {
	encoded, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	return g.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(g.cfg.KeyID, g.cfg.KeySecret)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

func verifyRazorpaySignature(payload []byte, signature string, webhookSecret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}

	candidate, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write(payload)
	return hmac.Equal(candidate, mac.Sum(nil))
}

// eventDigest derives a stable event id from the raw payload for gateways
// that do not carry one in the body.
func eventDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// parseErrorCode extracts the gateway's machine-readable rejection code from
// an error body, when present.
func parseErrorCode(body []byte) string {
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(payload.Error.Code))
}
