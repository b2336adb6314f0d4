package entity

import "time"

const (
	ObligationStatusScheduled int32 = 1
	ObligationStatusExecuted  int32 = 10
	ObligationStatusCancelled int32 = 20
)

// Obligation is a future intention to pay. It becomes a Payment when the
// drain loop executes it; it never is one itself.
type Obligation struct {
	ID string

	EntityID string
	UserID   string

	AmountCents int64
	Currency    string

	ScheduledAt time.Time

	// Occurrence counts executions of a recurring series, starting at 0.
	// The Nth occurrence fires at FirstScheduledAt + N intervals, computed
	// from the original schedule so drain-loop jitter cannot accumulate.
	Occurrence       int32
	FirstScheduledAt time.Time

	RecurrenceUnit  *string
	RecurrenceCount *int32
	RecurrenceEndAt *time.Time

	Status    int32
	PaymentID *uint64

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExecutedAt *time.Time
}

func (o *Obligation) Recurring() bool {
	return o.RecurrenceUnit != nil && o.RecurrenceCount != nil && *o.RecurrenceCount > 0
}
