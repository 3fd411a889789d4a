package media

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/idbugm99/musenest-sub001/internal/batch"
	"github.com/idbugm99/musenest-sub001/internal/types"
	"github.com/idbugm99/musenest-sub001/internal/utils/response"
)

// ExecuteBatch runs one operation across many media items
// @Summary Execute a batch operation
// @Description Applies delete, approve, reject, recategorize, feature or unfeature to a list of items
// @Tags batch
// @Accept json
// @Produce json
// @Success 200 {object} types.BatchJob "Completed job with per-item results"
// @Failure 400 {object} response.Response "Bad request"
// @Failure 503 {object} response.Response "Concurrency ceiling reached"
// @Router /media/batch [post]
func ExecuteBatch(coordinator *batch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.WriteJSON(w, http.StatusBadRequest, response.GeneralError(errors.New("invalid request body")))
			return
		}

		validate := validator.New()
		if err := validate.Struct(req); err != nil {
			if ve, ok := err.(validator.ValidationErrors); ok {
				response.WriteJSON(w, http.StatusBadRequest, response.ValidationError(ve))
				return
			}
			response.WriteJSON(w, http.StatusBadRequest, response.GeneralError(err))
			return
		}

		job, err := coordinator.Execute(r.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, batch.ErrTooManyBatchJobs):
				response.WriteJSON(w, http.StatusServiceUnavailable, response.GeneralError(err))
			case errors.Is(err, batch.ErrBatchTooLarge),
				errors.Is(err, batch.ErrUnknownOperation),
				errors.Is(err, batch.ErrMissingParam):
				response.WriteJSON(w, http.StatusBadRequest, response.GeneralError(err))
			default:
				response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			}
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Batch executed", job))
	}
}

// GetBatchJob returns a previously executed batch job
// @Summary Fetch batch job status
// @Tags batch
// @Produce json
// @Success 200 {object} types.BatchJob
// @Failure 404 {object} response.Response "Unknown job"
// @Router /media/batch/{id} [get]
func GetBatchJob(coordinator *batch.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			response.WriteJSON(w, http.StatusBadRequest, response.GeneralError(errors.New("missing job id")))
			return
		}

		job, err := coordinator.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				response.WriteJSON(w, http.StatusNotFound, response.GeneralError(err))
				return
			}
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Batch job", job))
	}
}
