package types

type Payment struct {
	ID               uint64 `json:"id"`
	IdempotencyKey   string `json:"idempotency_key"`
	EntityID         string `json:"entity_id"`
	UserID           string `json:"user_id"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	Trigger          string `json:"trigger"`
	GatewayRef       string `json:"gateway_ref,omitempty"`
	RetryCount       int32  `json:"retry_count"`
	LastErrorCode    string `json:"last_error_code,omitempty"`
	CreatedAt        string `json:"created_at"`
	SubmittedAt      string `json:"submitted_at,omitempty"`
	CompletedAt      string `json:"completed_at,omitempty"`
}

type Obligation struct {
	ID          string `json:"id"`
	EntityID    string `json:"entity_id"`
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	ScheduledAt string `json:"scheduled_at"`
	Status      string `json:"status"`
	Recurring   bool   `json:"recurring"`
	PaymentID   uint64 `json:"payment_id,omitempty"`
}

type Authorization struct {
	ID         uint64 `json:"id"`
	EntityID   string `json:"entity_id"`
	UserID     string `json:"user_id"`
	GatewayRef string `json:"gateway_ref"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expires_at"`
}

type PaymentEnvelopeResponse struct {
	Payment *Payment `json:"payment"`
}

type ListPaymentsResponse struct {
	Payments []*Payment `json:"payments"`
}

type ObligationEnvelopeResponse struct {
	Obligation *Obligation `json:"obligation"`
}

type AuthorizationEnvelopeResponse struct {
	Authorization *Authorization `json:"authorization"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
