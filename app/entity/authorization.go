package entity

import "time"

const (
	AuthorizationStatusCreated int32 = 1
	AuthorizationStatusActive  int32 = 10
	AuthorizationStatusRevoked int32 = 20
)

// Authorization is a standing mandate from the payer that lets the service
// debit without per-transaction consent. Payments may only be submitted
// against an active, unexpired authorization.
type Authorization struct {
	ID uint64

	EntityID string
	UserID   string

	Gateway    int32
	GatewayRef string

	Status    int32
	ExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Authorization) Usable(now time.Time) bool {
	return a != nil && a.Status == AuthorizationStatusActive && now.Before(a.ExpiresAt)
}
