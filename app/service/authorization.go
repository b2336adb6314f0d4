package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cardpilot/ms-go-autopay/app/entity"
	"github.com/cardpilot/ms-go-autopay/app/gateway"
	"github.com/cardpilot/ms-go-autopay/app/types"
)

// CreateAuthorization registers a debit mandate with the gateway and stores
// it. An entity that already holds a usable mandate gets it back unchanged.
func (s *PaymentService) CreateAuthorization(ctx context.Context, req *types.CreateAuthorizationRequest) (*entity.Authorization, error) {
	gatewayCode := int32(types.GatewayTypeRazorpay)
	gatewayClient, err := s.gatewayReg.Get(gatewayCode)
	if err != nil {
		return nil, ErrGatewayUnsupported
	}

	now := time.Now().UTC()
	existing, err := s.authRepo.FindActiveByEntity(ctx, req.EntityID, gatewayCode, now)
	if err != nil {
		return nil, err
	}
	if existing.Usable(now) {
		return existing, nil
	}

	output, err := gatewayClient.CreateAuthorization(ctx, &gateway.AuthorizationInput{
		EntityID:    req.EntityID,
		UserID:      req.UserID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	})
	if err != nil {
		var reqErr *gateway.RequestError
		if errors.As(err, &reqErr) && reqErr.Terminal() {
			return nil, fmt.Errorf("%w: gateway refused the mandate (%s)", ErrMandateRequired, reqErr.Code)
		}
		return nil, err
	}

	status := entity.AuthorizationStatusCreated
	if output.Active {
		status = entity.AuthorizationStatusActive
	}
	expiresAt := output.ExpiresAt
	if expiresAt.IsZero() {
		// The gateway did not report an expiry; mandates without one are
		// treated as long-lived.
		expiresAt = now.AddDate(10, 0, 0)
	}

	authorization := &entity.Authorization{
		EntityID:   req.EntityID,
		UserID:     req.UserID,
		Gateway:    gatewayCode,
		GatewayRef: output.GatewayRef,
		Status:     status,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.authRepo.Create(ctx, authorization); err != nil {
		return nil, err
	}
	return authorization, nil
}
