package types

// UploadMetadata is the per-request metadata accompanying one or more
// uploaded files.
type UploadMetadata struct {
	OwnerID        string      `json:"owner_id" validate:"required"`
	OwnerSlug      string      `json:"owner_slug" validate:"required"`
	CategoryID     string      `json:"category_id,omitempty"`
	UsageIntent    UsageIntent `json:"usage_intent" validate:"required,oneof=public_gallery private_set profile"`
	ApplyWatermark bool        `json:"apply_watermark"`
	Title          string      `json:"title,omitempty"`
	Description    string      `json:"description,omitempty"`
}

// StageTiming records wall time spent in one upload pipeline stage.
type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMS int64  `json:"duration_ms"`
}

// FileResult is the per-file outcome of a multi-file upload. Failures
// carry the failing stage and a machine-readable reason; a request never
// fails atomically because one file did.
type FileResult struct {
	Filename         string           `json:"filename"`
	Success          bool             `json:"success"`
	MediaItemID      string           `json:"media_item_id,omitempty"`
	OriginalURL      string           `json:"original_url,omitempty"`
	ThumbnailURL     string           `json:"thumbnail_url,omitempty"`
	Width            int              `json:"width,omitempty"`
	Height           int              `json:"height,omitempty"`
	ModerationStatus ModerationStatus `json:"moderation_status,omitempty"`
	WatermarkApplied bool             `json:"watermark_applied"`
	Timings          []StageTiming    `json:"timings,omitempty"`
	FailedStage      string           `json:"failed_stage,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	ErrorKind        ErrorKind        `json:"error_kind,omitempty"`
}

// BatchRequest asks for one operation across many media items.
type BatchRequest struct {
	Operation string            `json:"operation" validate:"required,oneof=delete approve reject recategorize feature unfeature"`
	OwnerID   string            `json:"owner_id" validate:"required"`
	ItemIDs   []string          `json:"item_ids" validate:"required,min=1,dive,required"`
	Params    map[string]string `json:"params,omitempty"`
}

// BatchItemResult is the typed per-item outcome of a batch operation.
type BatchItemResult struct {
	ItemID    string    `json:"item_id"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

type BatchJobStatus string

const (
	BatchRunning   BatchJobStatus = "running"
	BatchCompleted BatchJobStatus = "completed"
	BatchFailed    BatchJobStatus = "failed"
)

// BatchJob is the persisted record of one bulk operation.
type BatchJob struct {
	ID          string            `json:"id"`
	Operation   string            `json:"operation"`
	OwnerID     string            `json:"owner_id"`
	Total       int               `json:"total"`
	Processed   int               `json:"processed"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Status      BatchJobStatus    `json:"status"`
	ItemResults []BatchItemResult `json:"item_results,omitempty"`
	StartedAt   string            `json:"started_at"`
	FinishedAt  string            `json:"finished_at,omitempty"`
}
