package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubscriberRepo handles subscriber queries. Filtered reads take a
// pre-compiled WHERE clause from the segment compiler; the repo never
// builds predicates itself.
type SubscriberRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewSubscriberRepo creates a new subscriber repository.
func NewSubscriberRepo(db *DB, logger *zap.Logger) *SubscriberRepo {
	return &SubscriberRepo{db: db, logger: logger}
}

// CountByFilter counts subscribers matching a compiled filter.
func (r *SubscriberRepo) CountByFilter(ctx context.Context, where string, args []any) (int, error) {
	query := "SELECT COUNT(*) FROM subscribers WHERE " + where

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return count, nil
}

// SubscriberIDsByFilter returns the IDs of subscribers matching a
// compiled filter attribute tree.
func (r *SubscriberRepo) SubscriberIDsByFilter(ctx context.Context, where string, args []any) ([]uuid.UUID, error) {
	query := "SELECT id FROM subscribers WHERE " + where

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriber ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return ids, nil
}

// FilterActiveIDs narrows a candidate ID list to the merchant's currently
// active subscribers. Used by static segment resolution.
func (r *SubscriberRepo) FilterActiveIDs(ctx context.Context, merchantID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT id FROM subscribers
		WHERE merchant_id = $1 AND status = 'active' AND id = ANY($2)
	`

	rows, err := r.db.Pool().Query(ctx, query, merchantID, ids)
	if err != nil {
		return nil, fmt.Errorf("filter active ids: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AttributeTypes loads the merchant's custom attribute registry as a
// name -> type map for the query compiler.
func (r *SubscriberRepo) AttributeTypes(ctx context.Context, merchantID uuid.UUID) (map[string]string, error) {
	query := `SELECT name, type FROM custom_attributes WHERE merchant_id = $1`

	rows, err := r.db.Pool().Query(ctx, query, merchantID)
	if err != nil {
		return nil, fmt.Errorf("query custom attributes: %w", err)
	}
	defer rows.Close()

	types := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("scan custom attribute: %w", err)
		}
		types[name] = typ
	}
	return types, rows.Err()
}

// Recipient is the delivery target for one subscriber: the channel plus
// whatever address that channel needs.
type Recipient struct {
	SubscriberID uuid.UUID `json:"subscriber_id"`
	Channel      string    `json:"channel"`
	Email        string    `json:"email,omitempty"`
	PushToken    string    `json:"push_token,omitempty"`
}

// EligibleRecipients loads delivery targets for the given subscriber IDs,
// keeping only those currently able to receive a campaign: active and
// push-enabled. The result order follows the database, not ids.
func (r *SubscriberRepo) EligibleRecipients(ctx context.Context, merchantID uuid.UUID, ids []uuid.UUID) ([]*Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, channel, email, COALESCE(push_token, '')
		FROM subscribers
		WHERE merchant_id = $1 AND status = 'active' AND push_enabled AND id = ANY($2)
	`

	rows, err := r.db.Pool().Query(ctx, query, merchantID, ids)
	if err != nil {
		return nil, fmt.Errorf("query eligible recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*Recipient
	for rows.Next() {
		var rec Recipient
		if err := rows.Scan(&rec.SubscriberID, &rec.Channel, &rec.Email, &rec.PushToken); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, &rec)
	}
	return recipients, rows.Err()
}
