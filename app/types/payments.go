package types

type PaymentStatus int32

const (
	PaymentStatusUnspecified PaymentStatus = 0
	PaymentStatusPending     PaymentStatus = 1
	PaymentStatusProcessing  PaymentStatus = 2
	PaymentStatusCompleted   PaymentStatus = 3
	PaymentStatusFailed      PaymentStatus = 4
	PaymentStatusCancelled   PaymentStatus = 5
	PaymentStatusRefunded    PaymentStatus = 6
)

func (s PaymentStatus) String() string {
	switch s {
	case PaymentStatusPending:
		return "pending"
	case PaymentStatusProcessing:
		return "processing"
	case PaymentStatusCompleted:
		return "completed"
	case PaymentStatusFailed:
		return "failed"
	case PaymentStatusCancelled:
		return "cancelled"
	case PaymentStatusRefunded:
		return "refunded"
	default:
		return "unspecified"
	}
}

// Terminal statuses are immutable once reached, with the single exception of
// completed -> refunded.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// legalTransitions is the complete payment state machine. Any transition not
// listed here must be refused, not applied.
var legalTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusProcessing: {PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusCompleted:  {PaymentStatusRefunded},
}

func CanTransition(from, to PaymentStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// LegalPredecessors returns every status from which `to` may be reached.
// State advances are expressed as conditional updates guarded by this set so
// that a webhook landing before the orchestrator's own write cannot be
// clobbered afterwards.
func LegalPredecessors(to PaymentStatus) []PaymentStatus {
	var from []PaymentStatus
	for source, targets := range legalTransitions {
		for _, target := range targets {
			if target == to {
				from = append(from, source)
			}
		}
	}
	return from
}

type TriggerSource int32

const (
	TriggerSourceUnspecified TriggerSource = 0
	TriggerSourceManual      TriggerSource = 1
	TriggerSourceAutomatic   TriggerSource = 2
	TriggerSourceScheduled   TriggerSource = 3
)

func (t TriggerSource) String() string {
	switch t {
	case TriggerSourceManual:
		return "manual"
	case TriggerSourceAutomatic:
		return "automatic"
	case TriggerSourceScheduled:
		return "scheduled"
	default:
		return "unspecified"
	}
}

func ParseTriggerSource(raw string) (TriggerSource, bool) {
	switch raw {
	case "manual":
		return TriggerSourceManual, true
	case "automatic":
		return TriggerSourceAutomatic, true
	case "scheduled":
		return TriggerSourceScheduled, true
	default:
		return TriggerSourceUnspecified, false
	}
}

type GatewayType int32

const (
	GatewayTypeUnspecified GatewayType = 0
	GatewayTypeRazorpay    GatewayType = 1
)

// EventKind is the closed set of gateway webhook events the reconciler
// understands. Unknown kinds are acknowledged and ignored.
type EventKind int32

const (
	EventKindUnknown            EventKind = 0
	EventKindPaymentCaptured    EventKind = 1
	EventKindPaymentFailed      EventKind = 2
	EventKindRefundProcessed    EventKind = 3
	EventKindMandateActivated   EventKind = 4
	EventKindMandateRevoked     EventKind = 5
	EventKindSubscriptionCharge EventKind = 6
)

func (k EventKind) String() string {
	switch k {
	case EventKindPaymentCaptured:
		return "payment_captured"
	case EventKindPaymentFailed:
		return "payment_failed"
	case EventKindRefundProcessed:
		return "refund_processed"
	case EventKindMandateActivated:
		return "mandate_activated"
	case EventKindMandateRevoked:
		return "mandate_revoked"
	case EventKindSubscriptionCharge:
		return "subscription_charged"
	default:
		return "unknown"
	}
}
