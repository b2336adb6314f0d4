package service

import "errors"

var (
	ErrInvalidRequest            = errors.New("invalid request")
	ErrPaymentNotFound           = errors.New("payment not found")
	ErrInvalidStatus             = errors.New("invalid status")
	ErrAmountTooLarge            = errors.New("amount exceeds the configured ceiling")
	ErrRateLimited               = errors.New("rate limited")
	ErrMandateRequired           = errors.New("no active mandate for entity")
	ErrGatewayUnsupported        = errors.New("gateway is not supported")
	ErrObligationNotFound        = errors.New("obligation not found")
	ErrObligationAlreadyExecuted = errors.New("obligation already executed")
	ErrWebhookUnverified         = errors.New("webhook rejected")
)
