package mapper

import (
	"time"

	"github.com/cardpilot/ms-go-autopay/app/entity"
	"github.com/cardpilot/ms-go-autopay/app/types"
)

func PaymentToResponse(item *entity.Payment) *types.Payment {
	if item == nil {
		return nil
	}

	return &types.Payment{
		ID:             item.ID,
		IdempotencyKey: item.IdempotencyKey,
		EntityID:       item.EntityID,
		UserID:         item.UserID,
		AmountCents:    item.AmountCents,
		Currency:       item.Currency,
		Status:         types.PaymentStatus(item.Status).String(),
		Trigger:        types.TriggerSource(item.Trigger).String(),
		GatewayRef:     derefString(item.GatewayRef),
		RetryCount:     item.RetryCount,
		LastErrorCode:  derefString(item.LastErrorCode),
		CreatedAt:      item.CreatedAt.UTC().Format(time.RFC3339),
		SubmittedAt:    formatOptionalTime(item.SubmittedAt),
		CompletedAt:    formatOptionalTime(item.CompletedAt),
	}
}

func PaymentsToResponse(items []*entity.Payment) []*types.Payment {
	result := make([]*types.Payment, 0, len(items))
	for _, item := range items {
		result = append(result, PaymentToResponse(item))
	}
	return result
}

func ObligationToResponse(item *entity.Obligation) *types.Obligation {
	if item == nil {
		return nil
	}

	return &types.Obligation{
		ID:          item.ID,
		EntityID:    item.EntityID,
		UserID:      item.UserID,
		AmountCents: item.AmountCents,
		Currency:    item.Currency,
		ScheduledAt: item.ScheduledAt.UTC().Format(time.RFC3339),
		Status:      obligationStatusName(item.Status),
		Recurring:   item.Recurring(),
		PaymentID:   derefUint64(item.PaymentID),
	}
}

func AuthorizationToResponse(item *entity.Authorization) *types.Authorization {
	if item == nil {
		return nil
	}

	return &types.Authorization{
		ID:         item.ID,
		EntityID:   item.EntityID,
		UserID:     item.UserID,
		GatewayRef: item.GatewayRef,
		Status:     authorizationStatusName(item.Status),
		ExpiresAt:  item.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func authorizationStatusName(status int32) string {
	switch status {
	case entity.AuthorizationStatusCreated:
		return "created"
	case entity.AuthorizationStatusActive:
		return "active"
	case entity.AuthorizationStatusRevoked:
		return "revoked"
	default:
		return "unspecified"
	}
}

func obligationStatusName(status int32) string {
	switch status {
	case entity.ObligationStatusScheduled:
		return "scheduled"
	case entity.ObligationStatusExecuted:
		return "executed"
	case entity.ObligationStatusCancelled:
		return "cancelled"
	default:
		return "unspecified"
	}
}

func formatOptionalTime(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefUint64(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}
