package types

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	maxListLimit     = int32(500)
	defaultListLimit = int32(100)
)

var recurrenceUnits = map[string]bool{"day": true, "week": true, "month": true}

type SubmitPaymentRequest struct {
	EntityID       string `json:"entity_id"`
	UserID         string `json:"user_id"`
	Trigger        string `json:"trigger"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
}

func NewSubmitPaymentRequestFromContext(ctx echo.Context) (*SubmitPaymentRequest, error) {
	var body SubmitPaymentRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.EntityID = strings.TrimSpace(body.EntityID)
	body.UserID = strings.TrimSpace(body.UserID)
	body.Trigger = strings.ToLower(strings.TrimSpace(body.Trigger))
	body.IdempotencyKey = strings.TrimSpace(body.IdempotencyKey)
	body.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))

	if body.Trigger == "" {
		body.Trigger = TriggerSourceManual.String()
	}

	return &body, nil
}

func (r *SubmitPaymentRequest) Validate() error {
	if r.EntityID == "" {
		return errors.New("entity_id is required")
	}
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if _, ok := ParseTriggerSource(r.Trigger); !ok {
		return errors.New("trigger must be manual, automatic, or scheduled")
	}
	if r.AmountCents <= 0 {
		return errors.New("amount_cents must be > 0")
	}
	if len(r.Currency) != 3 {
		return errors.New("currency must be 3 letters")
	}
	return nil
}

type GetPaymentRequest struct {
	ID uint64
}

func NewGetPaymentRequestFromContext(ctx echo.Context) (*GetPaymentRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}
	return &GetPaymentRequest{ID: id}, nil
}

func (r *GetPaymentRequest) Validate() error {
	if r.ID == 0 {
		return errors.New("invalid payment id")
	}
	return nil
}

type ListPaymentsRequest struct {
	EntityID  string
	UserID    string
	HasStatus bool
	Status    PaymentStatus
	Limit     int32
	Offset    int32
}

func NewListPaymentsRequestFromContext(ctx echo.Context) (*ListPaymentsRequest, error) {
	req := &ListPaymentsRequest{
		EntityID: strings.TrimSpace(ctx.QueryParam("entity_id")),
		UserID:   strings.TrimSpace(ctx.QueryParam("user_id")),
		Limit:    defaultListLimit,
	}

	if statusRaw := strings.TrimSpace(ctx.QueryParam("status")); statusRaw != "" {
		status, err := strconv.ParseInt(statusRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.HasStatus = true
		req.Status = PaymentStatus(status)
	}

	if limitRaw := strings.TrimSpace(ctx.QueryParam("limit")); limitRaw != "" {
		limit, err := strconv.ParseInt(limitRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Limit = int32(limit)
	}

	if offsetRaw := strings.TrimSpace(ctx.QueryParam("offset")); offsetRaw != "" {
		offset, err := strconv.ParseInt(offsetRaw, 10, 32)
		if err != nil {
			return nil, err
		}
		req.Offset = int32(offset)
	}

	return req, nil
}

func (r *ListPaymentsRequest) Validate() error {
	if r.Limit <= 0 || r.Limit > maxListLimit {
		return errors.New("limit must be between 1 and 500")
	}
	if r.Offset < 0 {
		return errors.New("offset must be >= 0")
	}
	if r.HasStatus && r.Status.String() == "unspecified" {
		return errors.New("invalid status")
	}
	return nil
}

type CancelPaymentRequest struct {
	ID     uint64 `json:"-"`
	Reason string `json:"reason"`
}

func NewCancelPaymentRequestFromContext(ctx echo.Context) (*CancelPaymentRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}

	var body CancelPaymentRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.ID = id
	body.Reason = strings.TrimSpace(body.Reason)

	return &body, nil
}

func (r *CancelPaymentRequest) Validate() error {
	if r.ID == 0 {
		return errors.New("invalid payment id")
	}
	return nil
}

type RefundPaymentRequest struct {
	ID     uint64 `json:"-"`
	Reason string `json:"reason"`
}

func NewRefundPaymentRequestFromContext(ctx echo.Context) (*RefundPaymentRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}

	var body RefundPaymentRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.ID = id
	body.Reason = strings.TrimSpace(body.Reason)

	return &body, nil
}

func (r *RefundPaymentRequest) Validate() error {
	if r.ID == 0 {
		return errors.New("invalid payment id")
	}
	return nil
}

type CreateAuthorizationRequest struct {
	EntityID    string `json:"entity_id"`
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

func NewCreateAuthorizationRequestFromContext(ctx echo.Context) (*CreateAuthorizationRequest, error) {
	var body CreateAuthorizationRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.EntityID = strings.TrimSpace(body.EntityID)
	body.UserID = strings.TrimSpace(body.UserID)
	body.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))

	return &body, nil
}

func (r *CreateAuthorizationRequest) Validate() error {
	if r.EntityID == "" {
		return errors.New("entity_id is required")
	}
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.AmountCents <= 0 {
		return errors.New("amount_cents must be > 0")
	}
	if len(r.Currency) != 3 {
		return errors.New("currency must be 3 letters")
	}
	return nil
}

type RecurrenceRequest struct {
	Unit  string `json:"unit"`
	Count int32  `json:"count"`
	EndAt string `json:"end_at"`
}

type ScheduleObligationRequest struct {
	EntityID    string             `json:"entity_id"`
	UserID      string             `json:"user_id"`
	AmountCents int64              `json:"amount_cents"`
	Currency    string             `json:"currency"`
	ScheduledAt string             `json:"scheduled_at"`
	Recurrence  *RecurrenceRequest `json:"recurrence"`
}

func NewScheduleObligationRequestFromContext(ctx echo.Context) (*ScheduleObligationRequest, error) {
	var body ScheduleObligationRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.EntityID = strings.TrimSpace(body.EntityID)
	body.UserID = strings.TrimSpace(body.UserID)
	body.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))
	body.ScheduledAt = strings.TrimSpace(body.ScheduledAt)
	if body.Recurrence != nil {
		body.Recurrence.Unit = strings.ToLower(strings.TrimSpace(body.Recurrence.Unit))
		body.Recurrence.EndAt = strings.TrimSpace(body.Recurrence.EndAt)
	}

	return &body, nil
}

func (r *ScheduleObligationRequest) Validate() error {
	if r.EntityID == "" {
		return errors.New("entity_id is required")
	}
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.AmountCents <= 0 {
		return errors.New("amount_cents must be > 0")
	}
	if len(r.Currency) != 3 {
		return errors.New("currency must be 3 letters")
	}
	when, err := r.ScheduledAtTime()
	if err != nil {
		return errors.New("scheduled_at must be RFC3339")
	}
	if !when.After(time.Now().UTC()) {
		return errors.New("scheduled_at must be in the future")
	}
	if r.Recurrence != nil {
		if !recurrenceUnits[r.Recurrence.Unit] {
			return errors.New("recurrence unit must be day, week, or month")
		}
		if r.Recurrence.Count <= 0 {
			return errors.New("recurrence count must be > 0")
		}
		if r.Recurrence.EndAt != "" {
			end, err := r.RecurrenceEndTime()
			if err != nil {
				return errors.New("recurrence end_at must be RFC3339")
			}
			if !end.After(when) {
				return errors.New("recurrence end_at must be after scheduled_at")
			}
		}
	}
	return nil
}

func (r *ScheduleObligationRequest) ScheduledAtTime() (time.Time, error) {
	return time.Parse(time.RFC3339, r.ScheduledAt)
}

func (r *ScheduleObligationRequest) RecurrenceEndTime() (time.Time, error) {
	return time.Parse(time.RFC3339, r.Recurrence.EndAt)
}

type CancelObligationRequest struct {
	ID string
}

func NewCancelObligationRequestFromContext(ctx echo.Context) (*CancelObligationRequest, error) {
	return &CancelObligationRequest{ID: strings.TrimSpace(ctx.Param("id"))}, nil
}

func (r *CancelObligationRequest) Validate() error {
	if r.ID == "" {
		return errors.New("invalid obligation id")
	}
	return nil
}

type HandleWebhookRequest struct {
	Gateway   string
	Signature string
	Payload   []byte
}

func NewHandleWebhookRequestFromContext(ctx echo.Context) (*HandleWebhookRequest, error) {
	signature := strings.TrimSpace(ctx.Request().Header.Get("X-Razorpay-Signature"))
	if signature == "" {
		signature = strings.TrimSpace(ctx.Request().Header.Get("X-Gateway-Signature"))
	}

	rawBody, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, err
	}

	return &HandleWebhookRequest{
		Gateway:   strings.ToLower(strings.TrimSpace(ctx.Param("gateway"))),
		Signature: signature,
		Payload:   rawBody,
	}, nil
}

func (r *HandleWebhookRequest) Validate() error {
	if r.Gateway == "" {
		return errors.New("gateway is required")
	}
	if r.Signature == "" {
		return errors.New("gateway signature is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}
