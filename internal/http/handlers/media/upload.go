package media

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/idbugm99/musenest-sub001/internal/types"
	"github.com/idbugm99/musenest-sub001/internal/upload"
	"github.com/idbugm99/musenest-sub001/internal/utils/response"
)

const maxUploadMemory = 32 << 20

// UploadResponse enumerates every file's outcome plus aggregate counts. A
// multi-file request reports partial success rather than failing
// atomically.
type UploadResponse struct {
	Results    map[string]types.FileResult `json:"results"`
	Successful int                         `json:"successful"`
	Failed     int                         `json:"failed"`
	ElapsedMS  int64                       `json:"elapsed_ms"`
}

// Upload handles multi-file media uploads
// @Summary Upload one or more images
// @Description Validates, transforms and submits each file for content classification
// @Tags media
// @Accept multipart/form-data
// @Produce json
// @Success 200 {object} UploadResponse "Per-file results"
// @Failure 400 {object} response.Response "Bad request"
// @Router /media/upload [post]
func Upload(coordinator *upload.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			response.WriteJSON(w, http.StatusBadRequest, response.GeneralError(errors.New("invalid multipart form")))
			return
		}

		meta := types.UploadMetadata{
			OwnerID:        r.FormValue("owner_id"),
			OwnerSlug:      r.FormValue("owner_slug"),
			CategoryID:     r.FormValue("category_id"),
			UsageIntent:    types.UsageIntent(r.FormValue("usage_intent")),
			ApplyWatermark: r.FormValue("apply_watermark") == "true",
			Title:          r.FormValue("title"),
			Description:    r.FormValue("description"),
		}

		validate := validator.New()
		if err := validate.Struct(meta); err != nil {
			if ve, ok := err.(validator.ValidationErrors); ok {
				response.WriteJSON(w, http.StatusBadRequest, response.ValidationError(ve))
				return
			}
			response.WriteJSON(w, http.StatusBadRequest, response.GeneralError(err))
			return
		}

		fileHeaders := r.MultipartForm.File["images"]
		if len(fileHeaders) == 0 {
			response.WriteJSON(w, http.StatusBadRequest, response.GeneralError(errors.New("no files provided")))
			return
		}

		tmpDir, err := coordinator.TempDir(meta.OwnerID)
		if err != nil {
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		// Spool each file to the owner's temp directory first; intake
		// failures are captured per file like any other stage failure.
		saved := make(map[string]string, len(fileHeaders))
		results := make(map[string]types.FileResult)
		for _, fh := range fileHeaders {
			tmpPath, err := spoolFile(fh, tmpDir)
			if err != nil {
				results[fh.Filename] = types.FileResult{
					Filename:    fh.Filename,
					Success:     false,
					FailedStage: "intake",
					Reason:      err.Error(),
					ErrorKind:   types.KindStorage,
				}
				continue
			}
			saved[fh.Filename] = tmpPath
		}

		for filename, result := range coordinator.ProcessAll(r.Context(), saved, meta) {
			results[filename] = result
		}

		resp := UploadResponse{Results: results, ElapsedMS: time.Since(start).Milliseconds()}
		for _, result := range results {
			if result.Success {
				resp.Successful++
			} else {
				resp.Failed++
			}
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Upload processed", resp))
	}
}

func spoolFile(fh *multipart.FileHeader, tmpDir string) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmpPath := filepath.Join(tmpDir, uuid.New().String()+filepath.Ext(fh.Filename))
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	return tmpPath, nil
}
