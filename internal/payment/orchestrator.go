package payment

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"ms-booking/internal/idempotency"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
)

type OrchestratorConfig struct {
	// ConnectAccountID receives the vendor deposit when set.
	ConnectAccountID    string
	VendorDepositAmount int64
	RequesterAmount     int64
	Currency            string
}

// Orchestrator drives the two-sided authorize/capture saga of a reservation.
// It performs no persistence: the caller stores what it returns and must not
// run two AtomicCommit calls for the same reservation at once.
type Orchestrator struct {
	processor Processor
	cfg       OrchestratorConfig
	log       *logger.Logger
}

func NewOrchestrator(processor Processor, cfg OrchestratorConfig, log *logger.Logger) *Orchestrator {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Orchestrator{processor: processor, cfg: cfg, log: log}
}

// Amount is the configured authorization amount for role, in minor units.
func (o *Orchestrator) Amount(role models.PartyRole) int64 {
	if role == models.RoleVendor {
		return o.cfg.VendorDepositAmount
	}
	return o.cfg.RequesterAmount
}

func (o *Orchestrator) Currency() string {
	return o.cfg.Currency
}

func (o *Orchestrator) AuthorizeVendor(ctx context.Context, res *models.Reservation, attempt int) models.PaymentOperationResult {
	return o.Authorize(ctx, res, models.RoleVendor, attempt)
}

func (o *Orchestrator) AuthorizeRequester(ctx context.Context, res *models.Reservation, attempt int) models.PaymentOperationResult {
	return o.Authorize(ctx, res, models.RoleRequester, attempt)
}

// Authorize places an authorization-only hold for role. Replaying the same
// attempt reuses the idempotency key and therefore the same external hold.
func (o *Orchestrator) Authorize(ctx context.Context, res *models.Reservation, role models.PartyRole, attempt int) models.PaymentOperationResult {
	key := idempotency.OperationKey(string(role), "auth", res.ID, attempt)

	metadata := map[string]string{
		"reservation_id": res.ID,
		"partner_id":     res.PartnerID,
		"attempt":        strconv.Itoa(attempt),
	}
	req := AuthorizeRequest{
		Amount:         o.Amount(role),
		Currency:       o.cfg.Currency,
		Metadata:       metadata,
		IdempotencyKey: key,
	}
	if role == models.RoleVendor {
		metadata["vendor_id"] = res.VendorID
		req.OnBehalfOf = o.cfg.ConnectAccountID
	} else {
		metadata["requester_id"] = res.RequesterID
	}

	intentID, err := o.processor.Authorize(ctx, req)
	if err != nil {
		o.log.Warn("PAYMENT", fmt.Sprintf("%s authorization failed for %s (attempt %d): %v", role, res.ID, attempt, err))
		return failedResult(err)
	}

	o.log.LogPayment("AUTHORIZE", res.ID, fmt.Sprintf("%s hold %s placed (attempt %d)", role, intentID, attempt))
	return models.PaymentOperationResult{Success: true, PaymentIntentID: intentID}
}

func (o *Orchestrator) CaptureVendor(ctx context.Context, res *models.Reservation, attempt int) models.PaymentOperationResult {
	return o.Capture(ctx, res, models.RoleVendor, attempt)
}

func (o *Orchestrator) CaptureRequester(ctx context.Context, res *models.Reservation, attempt int) models.PaymentOperationResult {
	return o.Capture(ctx, res, models.RoleRequester, attempt)
}

// Capture converts role's hold into a transfer. Without a hold it fails
// without contacting the processor.
func (o *Orchestrator) Capture(ctx context.Context, res *models.Reservation, role models.PartyRole, attempt int) models.PaymentOperationResult {
	intentID := res.PaymentState.IntentID(role)
	if intentID == "" {
		return models.PaymentOperationResult{
			Error:     fmt.Sprintf("no %s authorization for reservation %s", role, res.ID),
			ErrorCode: "authorization_missing",
		}
	}

	key := idempotency.OperationKey(string(role), "capture", res.ID, attempt)
	metadata := map[string]string{
		"reservation_id": res.ID,
		"booking_id":     res.BookingID,
		"attempt":        strconv.Itoa(attempt),
	}

	captureID, err := o.processor.Capture(ctx, intentID, metadata, key)
	if err != nil {
		o.log.Warn("PAYMENT", fmt.Sprintf("%s capture of %s failed for %s (attempt %d): %v", role, intentID, res.ID, attempt, err))
		return failedResult(err)
	}

	o.log.LogPayment("CAPTURE", res.ID, fmt.Sprintf("%s intent %s captured as %s", role, intentID, captureID))
	return models.PaymentOperationResult{Success: true, PaymentIntentID: captureID}
}

// AtomicCommit captures both holds concurrently. It succeeds only when both
// captures succeed; otherwise every leftover effect is compensated. The next
// capture attempt numbers, capture ids and errors are recorded on
// res.PaymentState.
func (o *Orchestrator) AtomicCommit(ctx context.Context, res *models.Reservation) models.CommitResult {
	state := &res.PaymentState
	if state.VendorPaymentIntentID == "" {
		return models.CommitResult{Compensation: &models.CompensationResult{
			Actions: []models.CompensationAction{},
			Errors:  []string{"vendor payment intent not found"},
		}}
	}
	if state.RequesterPaymentIntentID == "" {
		return models.CommitResult{Compensation: &models.CompensationResult{
			Actions: []models.CompensationAction{},
			Errors:  []string{"requester payment intent not found"},
		}}
	}

	vendorAttempt := state.VendorCaptureAttempts + 1
	requesterAttempt := state.RequesterCaptureAttempts + 1

	var vendor, requester models.PaymentOperationResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		vendor = o.CaptureVendor(ctx, res, vendorAttempt)
	}()
	go func() {
		defer wg.Done()
		requester = o.CaptureRequester(ctx, res, requesterAttempt)
	}()
	wg.Wait()

	state.VendorCaptureAttempts = vendorAttempt
	state.RequesterCaptureAttempts = requesterAttempt
	recordCapture(&state.VendorCaptureID, &state.VendorLastCaptureError, vendor)
	recordCapture(&state.RequesterCaptureID, &state.RequesterLastCaptureError, requester)

	if vendor.Success && requester.Success {
		o.log.LogPayment("COMMIT", res.ID, "both captures succeeded")
		return models.CommitResult{
			Success:            true,
			VendorCaptureID:    vendor.PaymentIntentID,
			RequesterCaptureID: requester.PaymentIntentID,
		}
	}

	compensation := o.Compensate(ctx, res, vendor.Success, requester.Success)
	return models.CommitResult{Compensation: &compensation}
}

func recordCapture(captureID, lastErr *string, result models.PaymentOperationResult) {
	if result.Success {
		*captureID = result.PaymentIntentID
		*lastErr = ""
		return
	}
	*lastErr = result.Error
}

// Compensate reverses whatever a failed commit left behind. The four branches
// run independently and concurrently; a failed reversal is recorded and never
// stops the others. Success is false if any reversal failed.
func (o *Orchestrator) Compensate(ctx context.Context, res *models.Reservation, vendorSucceeded, requesterSucceeded bool) models.CompensationResult {
	state := res.PaymentState
	vendorAmount := o.stateAmount(state.VendorAmount, models.RoleVendor)
	requesterAmount := o.stateAmount(state.RequesterAmount, models.RoleRequester)

	type branch struct {
		run      bool
		typ      models.CompensationType
		intentID string
		amount   *int64
		label    string
	}
	branches := [4]branch{
		{vendorSucceeded && !requesterSucceeded, models.CompensationCancelCapture, state.VendorPaymentIntentID, &vendorAmount, "cancel vendor capture"},
		{requesterSucceeded && !vendorSucceeded, models.CompensationCancelCapture, state.RequesterPaymentIntentID, &requesterAmount, "cancel requester capture"},
		{!vendorSucceeded, models.CompensationReleaseAuth, state.VendorPaymentIntentID, nil, "release vendor auth"},
		{!requesterSucceeded, models.CompensationReleaseAuth, state.RequesterPaymentIntentID, nil, "release requester auth"},
	}

	var slots [4]*models.CompensationAction
	var wg sync.WaitGroup
	for i, b := range branches {
		if !b.run || b.intentID == "" {
			continue
		}
		wg.Add(1)
		go func(i int, b branch) {
			defer wg.Done()
			action := models.CompensationAction{
				Type:            b.typ,
				PaymentIntentID: b.intentID,
				Amount:          b.amount,
				Result:          models.OutcomeSuccess,
			}
			if err := o.processor.Cancel(ctx, b.intentID); err != nil {
				action.Result = models.OutcomeFailed
				action.Error = err.Error()
			}
			slots[i] = &action
		}(i, b)
	}
	wg.Wait()

	result := models.CompensationResult{Actions: []models.CompensationAction{}}
	for i, action := range slots {
		if action == nil {
			continue
		}
		result.Actions = append(result.Actions, *action)
		if action.Result == models.OutcomeFailed {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to %s: %s", branches[i].label, action.Error))
		}
	}
	result.Success = len(result.Errors) == 0

	if result.Success {
		o.log.LogPayment("COMPENSATE", res.ID, fmt.Sprintf("%d reversal(s) succeeded", len(result.Actions)))
	} else {
		o.log.Error("COMPENSATE", fmt.Sprintf("reservation %s: %d of %d reversal(s) failed", res.ID, len(result.Errors), len(result.Actions)))
	}
	return result
}

func (o *Orchestrator) stateAmount(recorded int64, role models.PartyRole) int64 {
	if recorded > 0 {
		return recorded
	}
	return o.Amount(role)
}

func failedResult(err error) models.PaymentOperationResult {
	return models.PaymentOperationResult{
		Error:     err.Error(),
		ErrorCode: ErrorCode(err),
		Retryable: IsRetryable(err),
	}
}
