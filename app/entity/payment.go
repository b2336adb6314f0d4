package entity

import "time"

type Payment struct {
	ID uint64

	IdempotencyKey string

	EntityID string
	UserID   string

	AmountCents int64
	Currency    string

	Status  int32
	Trigger int32
	Gateway int32

	AuthorizationID *uint64

	// GatewayRef is the gateway-side transaction reference, set once the
	// submission has been accepted.
	GatewayRef *string

	// CorrelationToken travels with the gateway submission and comes back in
	// webhook events; it is how the reconciler finds this row.
	CorrelationToken string

	RetryCount    int32
	LastErrorCode *string

	CreatedAt   time.Time
	SubmittedAt *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}
