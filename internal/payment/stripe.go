package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ms-booking/internal/logger"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

var ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeProcessor implements Processor with manual-capture PaymentIntents.
type StripeProcessor struct {
	intents intentAPI
	refunds refundAPI
	log     *logger.Logger
}

func NewStripeProcessor(secretKey string, log *logger.Logger) (*StripeProcessor, error) {
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY not set")
		return nil, ErrStripeClientInitFailed
	}

	sc := client.New(secretKey, nil)
	if sc == nil {
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeProcessor{intents: sc.PaymentIntents, refunds: sc.Refunds, log: log}, nil
}

func (s *StripeProcessor) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount),
		Currency:           stripe.String(req.Currency),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if req.OnBehalfOf != "" {
		params.OnBehalfOf = stripe.String(req.OnBehalfOf)
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.OnBehalfOf),
		}
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.intents.New(params)
	if err != nil {
		return "", classifyStripeError(err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Authorized %d %s as %s (key %s)", req.Amount, req.Currency, pi.ID, req.IdempotencyKey))
	return pi.ID, nil
}

func (s *StripeProcessor) Capture(ctx context.Context, paymentIntentID string, metadata map[string]string, idempotencyKey string) (string, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.intents.Capture(paymentIntentID, params)
	if err != nil {
		return "", classifyStripeError(err)
	}
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		return pi.LatestCharge.ID, nil
	}
	return pi.ID, nil
}

// Cancel releases an uncaptured authorization, or refunds an intent that was
// already captured.
func (s *StripeProcessor) Cancel(ctx context.Context, paymentIntentID string) error {
	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	pi, err := s.intents.Get(paymentIntentID, getParams)
	if err != nil {
		return classifyStripeError(err)
	}

	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)}
		params.Context = ctx
		params.SetIdempotencyKey("cancel-" + paymentIntentID)
		if _, err := s.refunds.New(params); err != nil {
			return classifyStripeError(err)
		}
		s.log.Info("STRIPE", fmt.Sprintf("Refunded captured intent %s", paymentIntentID))
		return nil
	}

	if pi.Status == stripe.PaymentIntentStatusCanceled {
		return nil
	}

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.intents.Cancel(paymentIntentID, params); err != nil {
		return classifyStripeError(err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Released authorization %s", paymentIntentID))
	return nil
}

func classifyStripeError(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return &ProcessorError{Kind: KindConnection, Message: err.Error()}
	}

	perr := &ProcessorError{
		StatusCode: serr.HTTPStatusCode,
		Code:       string(serr.Code),
		Message:    serr.Msg,
	}
	if serr.DeclineCode != "" {
		perr.Code = string(serr.DeclineCode)
	}

	switch {
	case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.Code == stripe.ErrorCodeRateLimit:
		perr.Kind = KindRateLimit
	case serr.Type == stripe.ErrorTypeCard:
		perr.Kind = KindCard
	case serr.Type == stripe.ErrorTypeInvalidRequest:
		perr.Kind = KindInvalidRequest
	case serr.Type == stripe.ErrorTypeIdempotency:
		perr.Kind = KindIdempotency
	case serr.Type == stripe.ErrorTypeAPI:
		perr.Kind = KindAPI
	default:
		perr.Kind = KindUnknown
	}
	return perr
}
