package media

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/idbugm99/musenest-sub001/internal/cache"
	"github.com/idbugm99/musenest-sub001/internal/thumbcache"
	"github.com/idbugm99/musenest-sub001/internal/transform"
	"github.com/idbugm99/musenest-sub001/internal/types"
	"github.com/idbugm99/musenest-sub001/internal/utils/response"
)

// OwnerGallery lists an owner's visible media
// @Summary List owner gallery
// @Tags media
// @Produce json
// @Success 200 {array} types.MediaItem
// @Router /media/owner/{ownerID} [get]
func OwnerGallery(gallery *cache.GalleryCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.PathValue("ownerID")
		if ownerID == "" {
			response.WriteJSON(w, http.StatusBadRequest, response.GeneralError(errors.New("missing owner id")))
			return
		}

		items, err := gallery.GetOwnerGallery(r.Context(), ownerID)
		if err != nil {
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Owner gallery", items))
	}
}

// GetMediaItem returns one media item
// @Summary Fetch a media item
// @Tags media
// @Produce json
// @Success 200 {object} types.MediaItem
// @Failure 404 {object} response.Response "Unknown item"
// @Router /media/{id} [get]
func GetMediaItem(gallery *cache.GalleryCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := gallery.GetMediaItem(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				response.WriteJSON(w, http.StatusNotFound, response.GeneralError(err))
				return
			}
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Media item", item))
	}
}

// ServeThumbnail serves a sized thumbnail, generating it on first request
// @Summary Serve a thumbnail variant
// @Description Returns a cached thumbnail for the requested dimensions, rendering it if absent
// @Tags media
// @Produce image/jpeg
// @Success 200 {file} binary
// @Failure 404 {object} response.Response "Unknown item"
// @Router /media/{id}/thumbnail [get]
func ServeThumbnail(gallery *cache.GalleryCache, thumbs *thumbcache.Cache, defaultSize int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := gallery.GetMediaItem(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				response.WriteJSON(w, http.StatusNotFound, response.GeneralError(err))
				return
			}
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		spec := transform.SizeSpec{
			Width:  queryInt(r, "width", defaultSize),
			Height: queryInt(r, "height", defaultSize),
			Mode:   r.URL.Query().Get("mode"),
		}
		if spec.Mode == "" {
			spec.Mode = "fit"
		}

		entry, err := thumbs.GetOrCreate(r.Context(), item.OriginalPath, spec)
		if err != nil {
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		http.ServeFile(w, r, entry.Path)
	}
}

// VariantsRequest names the thumbnail sizes to pre-render.
type VariantsRequest struct {
	Specs []transform.SizeSpec `json:"specs" validate:"required,min=1"`
}

// GenerateVariants pre-renders a set of thumbnail sizes
// @Summary Pre-render thumbnail variants
// @Tags media
// @Accept json
// @Produce json
// @Success 200 {object} map[string]thumbcache.Entry
// @Failure 404 {object} response.Response "Unknown item"
// @Router /media/{id}/variants [post]
func GenerateVariants(gallery *cache.GalleryCache, thumbs *thumbcache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VariantsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.WriteJSON(w, http.StatusBadRequest, response.GeneralError(errors.New("invalid request body")))
			return
		}
		if len(req.Specs) == 0 {
			response.WriteJSON(w, http.StatusBadRequest, response.GeneralError(errors.New("no sizes requested")))
			return
		}

		item, err := gallery.GetMediaItem(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				response.WriteJSON(w, http.StatusNotFound, response.GeneralError(err))
				return
			}
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		entries, err := thumbs.GenerateVariants(r.Context(), item.OriginalPath, req.Specs)
		if err != nil {
			response.WriteJSON(w, http.StatusInternalServerError, response.GeneralError(err))
			return
		}

		response.WriteJSON(w, http.StatusOK, response.RequestOK("Variants generated", entries))
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
