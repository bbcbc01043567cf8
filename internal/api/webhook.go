package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ms-booking/internal/logger"
	"ms-booking/internal/utils"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const maxWebhookBody = 64 << 10

// StripeWebhook records processor-side changes to reservation holds. Holds
// that expire or are disputed outside a commit need operator attention.
type StripeWebhook struct {
	Secret string
	Logger *logger.Logger
}

func (s *StripeWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid payload", err.Error()))
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), s.Secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.Logger.LogSecurity("WEBHOOK_REJECTED", err.Error())
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid signature", err.Error()))
		return
	}

	switch string(event.Type) {
	case "payment_intent.canceled", "payment_intent.payment_failed", "payment_intent.amount_capturable_updated", "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid event data", err.Error()))
			return
		}
		s.Logger.LogPayment("WEBHOOK", pi.Metadata["reservation_id"], fmt.Sprintf("%s for %s (%s)", event.Type, pi.ID, pi.Status))
	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid event data", err.Error()))
			return
		}
		s.Logger.Alert("PAYMENT", fmt.Sprintf("dispute %s opened for %d %s", dispute.ID, dispute.Amount, dispute.Currency))
	default:
		s.Logger.Debug("PAYMENT", fmt.Sprintf("Ignoring webhook event %s", event.Type))
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event received", nil))
}
