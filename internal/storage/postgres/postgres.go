package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/idbugm99/musenest-sub001/internal/config"
	"github.com/idbugm99/musenest-sub001/internal/storage"
	"github.com/idbugm99/musenest-sub001/internal/types"
)

type Postgres struct {
	Db *sql.DB
}

func NewPostgres(cfg *config.Config) (*Postgres, error) {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.PGSQL.Host, cfg.PGSQL.Port, cfg.PGSQL.User, cfg.PGSQL.Password, cfg.PGSQL.DBName, cfg.PGSQL.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	pg := &Postgres{Db: db}
	if err := pg.CreateTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return pg, nil
}

func (p *Postgres) CreateTables() error {
	queries := []string{
		`
		CREATE TABLE IF NOT EXISTS media_items (
			id UUID PRIMARY KEY,
			owner_id VARCHAR(64) NOT NULL,
			owner_slug VARCHAR(128) NOT NULL,
			category_id VARCHAR(64),
			original_path TEXT NOT NULL,
			thumbnail_path TEXT NOT NULL DEFAULT '',
			original_name TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			byte_size BIGINT NOT NULL DEFAULT 0,
			usage_intent VARCHAR(32) NOT NULL DEFAULT 'public_gallery',
			watermark_applied BOOLEAN NOT NULL DEFAULT FALSE,
			is_featured BOOLEAN NOT NULL DEFAULT FALSE,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			files_cleaned BOOLEAN NOT NULL DEFAULT FALSE,
			moderation_status VARCHAR(16) NOT NULL DEFAULT 'pending'
				CHECK (moderation_status IN ('pending','approved','rejected','flagged','error')),
			moderation_score DOUBLE PRECISION,
			moderation_notes TEXT NOT NULL DEFAULT '',
			detections JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_modified TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			approved_at TIMESTAMP,
			rejected_at TIMESTAMP
		);
		`,
		`
		CREATE TABLE IF NOT EXISTS gallery_section_links (
			section_id VARCHAR(64) NOT NULL,
			media_item_id UUID NOT NULL REFERENCES media_items(id) ON DELETE CASCADE,
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (section_id, media_item_id)
		);
		`,
		`
		CREATE TABLE IF NOT EXISTS moderation_submissions (
			tracking_id UUID PRIMARY KEY,
			media_item_id UUID NOT NULL REFERENCES media_items(id) ON DELETE CASCADE,
			external_batch_id VARCHAR(128),
			attempts INTEGER NOT NULL DEFAULT 0,
			status VARCHAR(32) NOT NULL DEFAULT 'submitted'
				CHECK (status IN ('submitted','awaiting-callback','completed','failed')),
			last_error TEXT NOT NULL DEFAULT '',
			escalation_priority VARCHAR(16) NOT NULL DEFAULT '',
			next_retry_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_batch_id ON moderation_submissions (external_batch_id);`,
		`
		CREATE TABLE IF NOT EXISTS callback_records (
			id SERIAL PRIMARY KEY,
			external_batch_id VARCHAR(128) UNIQUE NOT NULL,
			tracking_id VARCHAR(64) NOT NULL DEFAULT '',
			payload_checksum VARCHAR(64) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','processed','rejected-duplicate','rejected-invalid')),
			outcome TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			processed_at TIMESTAMP
		);
		`,
		`
		CREATE TABLE IF NOT EXISTS batch_jobs (
			id UUID PRIMARY KEY,
			operation VARCHAR(32) NOT NULL,
			owner_id VARCHAR(64) NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			succeeded INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL DEFAULT 'running'
				CHECK (status IN ('running','completed','failed')),
			item_results JSONB,
			started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at TIMESTAMP
		);
		`,
	}

	for _, q := range queries {
		if _, err := p.Db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

const mediaItemColumns = `id, owner_id, owner_slug, category_id, original_path, thumbnail_path,
	original_name, title, description, width, height, byte_size, usage_intent,
	watermark_applied, is_featured, is_deleted, moderation_status, moderation_score,
	moderation_notes, created_at, last_modified, approved_at, rejected_at`

func scanMediaItem(row interface{ Scan(...interface{}) error }) (*types.MediaItem, error) {
	var item types.MediaItem
	err := row.Scan(&item.ID, &item.OwnerID, &item.OwnerSlug, &item.CategoryID,
		&item.OriginalPath, &item.ThumbnailPath, &item.OriginalName, &item.Title,
		&item.Description, &item.Width, &item.Height, &item.ByteSize, &item.UsageIntent,
		&item.WatermarkApplied, &item.IsFeatured, &item.IsDeleted, &item.ModerationStatus,
		&item.ModerationScore, &item.ModerationNotes, &item.CreatedAt, &item.LastModified,
		&item.ApprovedAt, &item.RejectedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (p *Postgres) CreateMediaItem(ctx context.Context, item *types.MediaItem) (string, error) {
	query := `
	INSERT INTO media_items (id, owner_id, owner_slug, category_id, original_path, thumbnail_path,
		original_name, title, description, width, height, byte_size, usage_intent,
		watermark_applied, moderation_status, moderation_score, moderation_notes)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	RETURNING id
	`

	var id string
	err := p.Db.QueryRowContext(ctx, query,
		item.ID, item.OwnerID, item.OwnerSlug, item.CategoryID, item.OriginalPath,
		item.ThumbnailPath, item.OriginalName, item.Title, item.Description,
		item.Width, item.Height, item.ByteSize, item.UsageIntent,
		item.WatermarkApplied, item.ModerationStatus, item.ModerationScore,
		item.ModerationNotes).Scan(&id)
	if err != nil {
		return "", err
	}

	return id, nil
}

func (p *Postgres) GetMediaItem(ctx context.Context, id string) (*types.MediaItem, error) {
	item, err := scanMediaItem(p.Db.QueryRowContext(ctx,
		`SELECT `+mediaItemColumns+` FROM media_items WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (p *Postgres) ListOwnerMedia(ctx context.Context, ownerID string) ([]types.MediaItem, error) {
	rows, err := p.Db.QueryContext(ctx,
		`SELECT `+mediaItemColumns+` FROM media_items
		 WHERE owner_id = $1 AND is_deleted = FALSE
		 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []types.MediaItem
	for rows.Next() {
		item, err := scanMediaItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	return items, rows.Err()
}

// SoftDeleteMediaItem removes the item's gallery-section links and flags
// the row deleted in a single transaction. Physical file removal happens
// later in the maintenance worker.
func (p *Postgres) SoftDeleteMediaItem(ctx context.Context, id string) error {
	tx, err := p.Db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM gallery_section_links WHERE media_item_id = $1`, id); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE media_items SET is_deleted = TRUE, last_modified = CURRENT_TIMESTAMP
		 WHERE id = $1 AND is_deleted = FALSE`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.ErrNotFound
	}

	return tx.Commit()
}

func (p *Postgres) SetModerationStatus(ctx context.Context, id string, status types.ModerationStatus, notes string) error {
	query := `
	UPDATE media_items SET
		moderation_status = $2,
		moderation_notes = CASE WHEN $3 <> '' THEN $3 ELSE moderation_notes END,
		approved_at = CASE WHEN $2 = 'approved' THEN CURRENT_TIMESTAMP ELSE approved_at END,
		rejected_at = CASE WHEN $2 = 'rejected' THEN CURRENT_TIMESTAMP ELSE rejected_at END,
		last_modified = CURRENT_TIMESTAMP
	WHERE id = $1 AND is_deleted = FALSE
	`

	res, err := p.Db.ExecContext(ctx, query, id, status, notes)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) SetCategory(ctx context.Context, id, categoryID string) error {
	res, err := p.Db.ExecContext(ctx,
		`UPDATE media_items SET category_id = $2, last_modified = CURRENT_TIMESTAMP
		 WHERE id = $1 AND is_deleted = FALSE`, id, categoryID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) SetFeatured(ctx context.Context, id string, featured bool) error {
	res, err := p.Db.ExecContext(ctx,
		`UPDATE media_items SET is_featured = $2, last_modified = CURRENT_TIMESTAMP
		 WHERE id = $1 AND is_deleted = FALSE`, id, featured)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateSubmission(ctx context.Context, sub *types.ModerationSubmission) error {
	_, err := p.Db.ExecContext(ctx, `
	INSERT INTO moderation_submissions (tracking_id, media_item_id, external_batch_id, attempts, status, last_error, escalation_priority, next_retry_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sub.TrackingID, sub.MediaItemID, sub.ExternalBatchID, sub.Attempts, sub.Status, sub.LastError, sub.EscalationPriority, sub.NextRetryAt)
	return err
}

func (p *Postgres) UpdateSubmission(ctx context.Context, sub *types.ModerationSubmission) error {
	res, err := p.Db.ExecContext(ctx, `
	UPDATE moderation_submissions SET external_batch_id = $2, attempts = $3, status = $4,
		last_error = $5, escalation_priority = $6, next_retry_at = $7, updated_at = CURRENT_TIMESTAMP
	WHERE tracking_id = $1
	`, sub.TrackingID, sub.ExternalBatchID, sub.Attempts, sub.Status, sub.LastError, sub.EscalationPriority, sub.NextRetryAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) GetSubmissionByBatchID(ctx context.Context, externalBatchID string) (*types.ModerationSubmission, error) {
	var sub types.ModerationSubmission
	err := p.Db.QueryRowContext(ctx, `
	SELECT tracking_id, media_item_id, external_batch_id, attempts, status, last_error, escalation_priority, next_retry_at, created_at, updated_at
	FROM moderation_submissions WHERE external_batch_id = $1
	`, externalBatchID).Scan(&sub.TrackingID, &sub.MediaItemID, &sub.ExternalBatchID,
		&sub.Attempts, &sub.Status, &sub.LastError, &sub.EscalationPriority, &sub.NextRetryAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (p *Postgres) CreateCallbackPlaceholder(ctx context.Context, externalBatchID, trackingID string) error {
	_, err := p.Db.ExecContext(ctx, `
	INSERT INTO callback_records (external_batch_id, tracking_id, status)
	VALUES ($1, $2, 'pending')
	ON CONFLICT (external_batch_id) DO NOTHING
	`, externalBatchID, trackingID)
	return err
}

func (p *Postgres) GetCallbackRecord(ctx context.Context, externalBatchID string) (*types.CallbackRecord, error) {
	var rec types.CallbackRecord
	err := p.Db.QueryRowContext(ctx, `
	SELECT id, external_batch_id, tracking_id, payload_checksum, status, outcome, created_at, processed_at
	FROM callback_records WHERE external_batch_id = $1
	`, externalBatchID).Scan(&rec.ID, &rec.ExternalBatchID, &rec.TrackingID,
		&rec.PayloadChecksum, &rec.Status, &rec.Outcome, &rec.CreatedAt, &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ApplyModerationOutcome joins the callback to its submission, updates the
// media item's moderation fields and marks the callback record processed in
// one transaction. The UPDATE on callback_records guards on status =
// 'pending', so a concurrent redelivery of the same batch id observes zero
// affected rows and reports a duplicate instead of reapplying the mutation.
func (p *Postgres) ApplyModerationOutcome(ctx context.Context, outcome storage.ModerationOutcome) (*types.MediaItem, error) {
	tx, err := p.Db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var mediaItemID string
	err = tx.QueryRowContext(ctx,
		`SELECT media_item_id FROM moderation_submissions WHERE external_batch_id = $1`,
		outcome.ExternalBatchID).Scan(&mediaItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// The placeholder normally exists from upload time; create it here if
	// the webhook won the race or the placeholder write was lost.
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO callback_records (external_batch_id, tracking_id, status)
	VALUES ($1, $2, 'pending')
	ON CONFLICT (external_batch_id) DO NOTHING
	`, outcome.ExternalBatchID, outcome.TrackingID); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE callback_records SET status = 'processed', payload_checksum = $2,
		outcome = $3, processed_at = CURRENT_TIMESTAMP
	WHERE external_batch_id = $1 AND status = 'pending'
	`, outcome.ExternalBatchID, outcome.PayloadChecksum, string(outcome.Status))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, types.ErrDuplicateCallback
	}

	detections, err := json.Marshal(outcome.Detections)
	if err != nil {
		return nil, err
	}

	item, err := scanMediaItem(tx.QueryRowContext(ctx, `
	UPDATE media_items SET
		moderation_status = $2,
		moderation_score = $3,
		moderation_notes = $4,
		detections = $5,
		approved_at = CASE WHEN $2 = 'approved' THEN CURRENT_TIMESTAMP ELSE approved_at END,
		rejected_at = CASE WHEN $2 = 'rejected' THEN CURRENT_TIMESTAMP ELSE rejected_at END,
		last_modified = CURRENT_TIMESTAMP
	WHERE id = $1
	RETURNING `+mediaItemColumns, mediaItemID, outcome.Status, outcome.Score, outcome.Notes, detections))
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
	UPDATE moderation_submissions SET status = 'completed', updated_at = CURRENT_TIMESTAMP
	WHERE external_batch_id = $1
	`, outcome.ExternalBatchID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return item, nil
}

func (p *Postgres) MarkCallbackRejected(ctx context.Context, externalBatchID string, status types.CallbackStatus, outcome string) error {
	_, err := p.Db.ExecContext(ctx, `
	INSERT INTO callback_records (external_batch_id, status, outcome, processed_at)
	VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
	ON CONFLICT (external_batch_id) DO UPDATE SET
		status = CASE WHEN callback_records.status = 'pending' THEN EXCLUDED.status ELSE callback_records.status END,
		outcome = CASE WHEN callback_records.status = 'pending' THEN EXCLUDED.outcome ELSE callback_records.outcome END
	`, externalBatchID, status, outcome)
	return err
}

func (p *Postgres) ListPendingCallbacks(ctx context.Context, olderThan time.Time, limit int) ([]types.CallbackRecord, error) {
	rows, err := p.Db.QueryContext(ctx, `
	SELECT id, external_batch_id, tracking_id, payload_checksum, status, outcome, created_at, processed_at
	FROM callback_records WHERE status = 'pending' AND created_at < $1
	ORDER BY created_at LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.CallbackRecord
	for rows.Next() {
		var rec types.CallbackRecord
		if err := rows.Scan(&rec.ID, &rec.ExternalBatchID, &rec.TrackingID,
			&rec.PayloadChecksum, &rec.Status, &rec.Outcome, &rec.CreatedAt, &rec.ProcessedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (p *Postgres) CreateBatchJob(ctx context.Context, job *types.BatchJob) error {
	results, err := json.Marshal(job.ItemResults)
	if err != nil {
		return err
	}
	_, err = p.Db.ExecContext(ctx, `
	INSERT INTO batch_jobs (id, operation, owner_id, total, processed, succeeded, failed, status, item_results)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, job.Operation, job.OwnerID, job.Total, job.Processed, job.Succeeded, job.Failed, job.Status, results)
	return err
}

func (p *Postgres) UpdateBatchJob(ctx context.Context, job *types.BatchJob) error {
	results, err := json.Marshal(job.ItemResults)
	if err != nil {
		return err
	}
	finished := sql.NullTime{}
	if job.Status != types.BatchRunning {
		finished = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	res, err := p.Db.ExecContext(ctx, `
	UPDATE batch_jobs SET processed = $2, succeeded = $3, failed = $4, status = $5,
		item_results = $6, finished_at = COALESCE(finished_at, $7)
	WHERE id = $1
	`, job.ID, job.Processed, job.Succeeded, job.Failed, job.Status, results, finished)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) GetBatchJob(ctx context.Context, id string) (*types.BatchJob, error) {
	var job types.BatchJob
	var results []byte
	var started time.Time
	var finished sql.NullTime
	err := p.Db.QueryRowContext(ctx, `
	SELECT id, operation, owner_id, total, processed, succeeded, failed, status, item_results, started_at, finished_at
	FROM batch_jobs WHERE id = $1
	`, id).Scan(&job.ID, &job.Operation, &job.OwnerID, &job.Total, &job.Processed,
		&job.Succeeded, &job.Failed, &job.Status, &results, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(results) > 0 {
		if err := json.Unmarshal(results, &job.ItemResults); err != nil {
			return nil, err
		}
	}
	job.StartedAt = started.UTC().Format(time.RFC3339)
	if finished.Valid {
		job.FinishedAt = finished.Time.UTC().Format(time.RFC3339)
	}

	return &job, nil
}

// PruneBatchHistory drops finished jobs beyond the newest keep rows.
func (p *Postgres) PruneBatchHistory(ctx context.Context, keep int) (int64, error) {
	res, err := p.Db.ExecContext(ctx, `
	DELETE FROM batch_jobs WHERE status <> 'running' AND id NOT IN (
		SELECT id FROM batch_jobs WHERE status <> 'running'
		ORDER BY started_at DESC LIMIT $1
	)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) ListDeletedItemsAwaitingCleanup(ctx context.Context, limit int) ([]types.MediaItem, error) {
	rows, err := p.Db.QueryContext(ctx,
		`SELECT `+mediaItemColumns+` FROM media_items
		 WHERE is_deleted = TRUE AND files_cleaned = FALSE
		 ORDER BY last_modified LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []types.MediaItem
	for rows.Next() {
		item, err := scanMediaItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	return items, rows.Err()
}

func (p *Postgres) MarkFilesCleaned(ctx context.Context, id string) error {
	res, err := p.Db.ExecContext(ctx,
		`UPDATE media_items SET files_cleaned = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
