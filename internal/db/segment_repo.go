package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/domain"
)

// SegmentRepo handles segment storage. Soft-deleted segments are invisible
// to every read here; resolution paths can never see one.
type SegmentRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewSegmentRepo creates a new segment repository.
func NewSegmentRepo(db *DB, logger *zap.Logger) *SegmentRepo {
	return &SegmentRepo{db: db, logger: logger}
}

const segmentColumns = `
	id, merchant_id, name, type, conditions, COALESCE(behavior_kind, ''),
	subscriber_count_cache, is_active, deleted_at, created_at, updated_at
`

func scanSegment(row pgx.Row) (*Segment, error) {
	var seg Segment
	err := row.Scan(
		&seg.ID,
		&seg.MerchantID,
		&seg.Name,
		&seg.Type,
		&seg.Conditions,
		&seg.BehaviorKind,
		&seg.SubscriberCountCache,
		&seg.IsActive,
		&seg.DeletedAt,
		&seg.CreatedAt,
		&seg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

// GetSegment retrieves a merchant's segment by ID, excluding soft-deleted
// rows.
func (r *SegmentRepo) GetSegment(ctx context.Context, merchantID, id uuid.UUID) (*Segment, error) {
	query := `
		SELECT ` + segmentColumns + `
		FROM segments
		WHERE id = $1 AND merchant_id = $2 AND deleted_at IS NULL
	`

	seg, err := scanSegment(r.db.Pool().QueryRow(ctx, query, id, merchantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound("segment", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("query segment: %w", err)
	}
	return seg, nil
}

// ListActiveByIDs loads the active, non-deleted subset of the given
// segment IDs for one merchant.
func (r *SegmentRepo) ListActiveByIDs(ctx context.Context, merchantID uuid.UUID, ids []uuid.UUID) ([]*Segment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + segmentColumns + `
		FROM segments
		WHERE merchant_id = $1 AND id = ANY($2) AND is_active AND deleted_at IS NULL
	`

	rows, err := r.db.Pool().Query(ctx, query, merchantID, ids)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// StaticMemberIDs returns the materialized member list of a static
// segment.
func (r *SegmentRepo) StaticMemberIDs(ctx context.Context, segmentID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT subscriber_id FROM segment_members WHERE segment_id = $1`

	rows, err := r.db.Pool().Query(ctx, query, segmentID)
	if err != nil {
		return nil, fmt.Errorf("query segment members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateCountCache refreshes the informational subscriber count. The
// cache is display-only; resolution never reads it.
func (r *SegmentRepo) UpdateCountCache(ctx context.Context, segmentID uuid.UUID, count int) error {
	query := `
		UPDATE segments
		SET subscriber_count_cache = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	if _, err := r.db.Pool().Exec(ctx, query, segmentID, count); err != nil {
		return fmt.Errorf("update count cache: %w", err)
	}
	return nil
}
