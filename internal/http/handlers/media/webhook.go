package media

import (
	"errors"
	"io"
	"net/http"

	"github.com/idbugm99/musenest-sub001/internal/callback"
	"github.com/idbugm99/musenest-sub001/internal/moderation"
	"github.com/idbugm99/musenest-sub001/internal/utils/response"
)

const (
	maxWebhookBody = 1 << 20
	sweepLimit     = 200
)

// WebhookResponse tells the classifier what happened to its delivery.
type WebhookResponse struct {
	Disposition callback.Disposition `json:"disposition"`
}

// ModerationWebhook receives classification callbacks
// @Summary Moderation callback endpoint
// @Description Verifies the delivery signature and applies the classification outcome exactly once
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} response.Response "Delivery settled"
// @Failure 401 {object} response.Response "Bad signature"
// @Router /webhooks/moderation [post]
func ModerationWebhook(reconciler *callback.Reconciler, ackInvalid bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			response.WriteJSON(w, http.StatusBadRequest, response.GeneralError(errors.New("unreadable body")))
			return
		}

		disposition, err := reconciler.Process(r.Context(), rawBody, r.Header.Get(moderation.SignatureHeader))
		if err != nil {
			// Internal failure, whatever the disposition: the anomaly
			// record or outcome was not persisted. A non-2xx status
			// makes the classifier redeliver, which is safe because
			// application is idempotent.
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		switch disposition {
		case callback.DispositionUnauthorized:
			response.WriteJSON(w, http.StatusUnauthorized, response.GeneralError(errors.New("signature verification failed")))
			return
		case callback.DispositionInvalid:
			// Malformed payloads are acknowledged or rejected per
			// deployment policy. Acknowledging stops classifier
			// retries that can never succeed.
			status := http.StatusBadRequest
			if ackInvalid {
				status = http.StatusOK
			}
			response.WriteJSON(w, status, response.Response{
				Status: response.StatusError,
				Error:  "invalid payload",
				Data:   WebhookResponse{Disposition: disposition},
			})
			return
		case callback.DispositionDuplicate, callback.DispositionUnknownBatch:
			// Always acknowledged: redelivering cannot change the
			// outcome, so the classifier should stop.
			response.WriteJSON(w, http.StatusOK, response.RequestOK("Delivery settled", WebhookResponse{Disposition: disposition}))
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Outcome applied", WebhookResponse{Disposition: disposition}))
	}
}

// SweepStaleCallbacks settles overdue pending callbacks on demand
// @Summary Settle callbacks whose delivery never arrived
// @Description Items past the callback deadline take the fail-safe path to manual review
// @Tags webhooks
// @Produce json
// @Success 200 {object} response.Response "Number of callbacks settled"
// @Router /webhooks/moderation/sweep [post]
func SweepStaleCallbacks(reconciler *callback.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settled, err := reconciler.SweepStale(r.Context(), sweepLimit)
		if err != nil {
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Sweep completed", map[string]int{"settled": settled}))
	}
}
