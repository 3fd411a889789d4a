package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type ModerationStatus string

const (
	ModerationPending  ModerationStatus = "pending"
	ModerationApproved ModerationStatus = "approved"
	ModerationRejected ModerationStatus = "rejected"
	ModerationFlagged  ModerationStatus = "flagged"
	ModerationError    ModerationStatus = "error"
)

// Terminal reports whether the status will never change without an
// explicit admin action.
func (s ModerationStatus) Terminal() bool {
	return s == ModerationApproved || s == ModerationRejected || s == ModerationFlagged
}

type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionAwaiting  SubmissionStatus = "awaiting-callback"
	SubmissionCompleted SubmissionStatus = "completed"
	SubmissionFailed    SubmissionStatus = "failed"
)

type CallbackStatus string

const (
	CallbackPending           CallbackStatus = "pending"
	CallbackProcessed         CallbackStatus = "processed"
	CallbackRejectedDuplicate CallbackStatus = "rejected-duplicate"
	CallbackRejectedInvalid   CallbackStatus = "rejected-invalid"
)

type UsageIntent string

const (
	IntentPublicGallery UsageIntent = "public_gallery"
	IntentPrivateSet    UsageIntent = "private_set"
	IntentProfile       UsageIntent = "profile"
)

// MediaItem is one uploaded image with its derived artifacts and
// moderation outcome. Rows are never physically deleted by normal flow;
// deletion is the IsDeleted flag plus asynchronous file cleanup.
type MediaItem struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"owner_id"`
	OwnerSlug        string           `json:"owner_slug"`
	CategoryID       *string          `json:"category_id,omitempty"`
	OriginalPath     string           `json:"original_path"`
	ThumbnailPath    string           `json:"thumbnail_path"`
	OriginalName     string           `json:"original_name"`
	Title            string           `json:"title,omitempty"`
	Description      string           `json:"description,omitempty"`
	Width            int              `json:"width"`
	Height           int              `json:"height"`
	ByteSize         int64            `json:"byte_size"`
	UsageIntent      UsageIntent      `json:"usage_intent"`
	WatermarkApplied bool             `json:"watermark_applied"`
	IsFeatured       bool             `json:"is_featured"`
	IsDeleted        bool             `json:"is_deleted"`
	ModerationStatus ModerationStatus `json:"moderation_status"`
	ModerationScore  *float64         `json:"moderation_score,omitempty"`
	ModerationNotes  string           `json:"moderation_notes,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	LastModified     time.Time        `json:"last_modified"`
	ApprovedAt       *time.Time       `json:"approved_at,omitempty"`
	RejectedAt       *time.Time       `json:"rejected_at,omitempty"`
}

// ModerationSubmission tracks one outbound classification attempt.
type ModerationSubmission struct {
	TrackingID      string           `json:"tracking_id"`
	MediaItemID     string           `json:"media_item_id"`
	ExternalBatchID *string          `json:"external_batch_id,omitempty"`
	Attempts        int              `json:"attempts"`
	Status          SubmissionStatus `json:"status"`
	LastError       string           `json:"last_error,omitempty"`
	// EscalationPriority is set when retries were exhausted and the item
	// routed to manual review; empty otherwise.
	EscalationPriority string     `json:"escalation_priority,omitempty"`
	NextRetryAt        *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// CallbackRecord is one row per distinct webhook delivery. A given
// external batch id may be marked processed at most once.
type CallbackRecord struct {
	ID              string         `json:"id"`
	ExternalBatchID string         `json:"external_batch_id"`
	TrackingID      string         `json:"tracking_id"`
	PayloadChecksum string         `json:"payload_checksum,omitempty"`
	Status          CallbackStatus `json:"status"`
	Outcome         string         `json:"outcome,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

// Detections is the structured detection payload delivered by the
// classifier. Stored as a jsonb column, parsed once at the boundary.
type Detections struct {
	FaceCount int      `json:"face_count"`
	Regions   []Region `json:"regions,omitempty"`
	RiskLevel string   `json:"risk_level,omitempty"`
}

type Region struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
}

func (d Detections) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (d *Detections) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = Detections{}
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("detections: unsupported scan type %T", src)
	}
}
