package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/domain"
	"github.com/beaconhq/beacon/internal/metrics"
)

// SubscriberStore is the slice of subscriber storage the resolver needs:
// filtered counts and ID selection plus the custom attribute registry.
type SubscriberStore interface {
	CountByFilter(ctx context.Context, where string, args []any) (int, error)
	SubscriberIDsByFilter(ctx context.Context, where string, args []any) ([]uuid.UUID, error)
	FilterActiveIDs(ctx context.Context, merchantID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error)
	AttributeTypes(ctx context.Context, merchantID uuid.UUID) (map[string]string, error)
}

// SegmentStore is the slice of segment storage the resolver needs.
type SegmentStore interface {
	GetSegment(ctx context.Context, merchantID, id uuid.UUID) (*db.Segment, error)
	StaticMemberIDs(ctx context.Context, segmentID uuid.UUID) ([]uuid.UUID, error)
	UpdateCountCache(ctx context.Context, segmentID uuid.UUID, count int) error
}

// Resolver evaluates segments into concrete subscriber ID sets. Counts go
// through EstimateCount (UI path, cheap); exact membership goes through
// ResolveMembers and is only used at dispatch time.
type Resolver struct {
	subscribers SubscriberStore
	segments    SegmentStore
	logger      *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(subscribers SubscriberStore, segments SegmentStore, logger *zap.Logger) *Resolver {
	return &Resolver{
		subscribers: subscribers,
		segments:    segments,
		logger:      logger,
	}
}

func (r *Resolver) registry(ctx context.Context, merchantID uuid.UUID) (*Registry, error) {
	types, err := r.subscribers.AttributeTypes(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("load attribute registry: %w", err)
	}
	return NewRegistry(types), nil
}

// EstimateCount compiles the tree and runs a count over the merchant's
// active subscribers. This is the fast, approximate path for live UI
// estimates; it never materializes membership.
func (r *Resolver) EstimateCount(ctx context.Context, merchantID uuid.UUID, g *ConditionGroup) (int, error) {
	reg, err := r.registry(ctx, merchantID)
	if err != nil {
		return 0, err
	}
	f, err := Compile(g, merchantID, reg)
	if err != nil {
		return 0, err
	}
	return r.subscribers.CountByFilter(ctx, f.Where, f.Args)
}

// ResolveMembers compiles the tree and returns exact membership. Dispatch
// only; UI estimates must use EstimateCount.
func (r *Resolver) ResolveMembers(ctx context.Context, merchantID uuid.UUID, g *ConditionGroup) ([]uuid.UUID, error) {
	reg, err := r.registry(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	f, err := Compile(g, merchantID, reg)
	if err != nil {
		return nil, err
	}
	return r.subscribers.SubscriberIDsByFilter(ctx, f.Where, f.Args)
}

// Resolve evaluates one segment to its current member set. Soft-deleted
// or inactive segments resolve to NotFound, never to a stale member list.
// Dynamic segments are always re-resolved live; the count cache is
// refreshed opportunistically as a side effect and is never read here.
func (r *Resolver) Resolve(ctx context.Context, seg *db.Segment) ([]uuid.UUID, error) {
	if seg == nil || seg.DeletedAt != nil || !seg.IsActive {
		id := ""
		if seg != nil {
			id = seg.ID.String()
		}
		return nil, domain.NotFound("segment", id)
	}

	var (
		members []uuid.UUID
		err     error
	)
	switch seg.Type {
	case db.SegmentDynamic:
		var g *ConditionGroup
		g, err = ParseGroup(seg.Conditions)
		if err != nil {
			return nil, err
		}
		members, err = r.ResolveMembers(ctx, seg.MerchantID, g)
	case db.SegmentStatic:
		var ids []uuid.UUID
		ids, err = r.segments.StaticMemberIDs(ctx, seg.ID)
		if err == nil {
			// Materialized lists can reference unsubscribed or removed
			// contacts; only currently-active ones count as members.
			members, err = r.subscribers.FilterActiveIDs(ctx, seg.MerchantID, ids)
		}
	case db.SegmentBehavior:
		var g *ConditionGroup
		g, err = behaviorGroup(seg.BehaviorKind)
		if err != nil {
			return nil, err
		}
		members, err = r.ResolveMembers(ctx, seg.MerchantID, g)
	default:
		return nil, domain.Validationf("type", "unknown segment type %q", seg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve segment %s: %w", seg.ID, err)
	}

	if cacheErr := r.segments.UpdateCountCache(ctx, seg.ID, len(members)); cacheErr != nil {
		r.logger.Warn("failed to refresh segment count cache",
			zap.String("segment_id", seg.ID.String()),
			zap.Error(cacheErr),
		)
	}
	return members, nil
}

// EstimateSegmentCount returns a cheap size estimate for one segment. It
// mirrors Resolve's per-type semantics but runs counts, never membership
// selection, so it is safe on the UI path.
func (r *Resolver) EstimateSegmentCount(ctx context.Context, seg *db.Segment) (int, error) {
	if seg == nil || seg.DeletedAt != nil || !seg.IsActive {
		id := ""
		if seg != nil {
			id = seg.ID.String()
		}
		return 0, domain.NotFound("segment", id)
	}

	switch seg.Type {
	case db.SegmentDynamic:
		g, err := ParseGroup(seg.Conditions)
		if err != nil {
			return 0, err
		}
		return r.EstimateCount(ctx, seg.MerchantID, g)
	case db.SegmentStatic:
		ids, err := r.segments.StaticMemberIDs(ctx, seg.ID)
		if err != nil {
			return 0, err
		}
		active, err := r.subscribers.FilterActiveIDs(ctx, seg.MerchantID, ids)
		if err != nil {
			return 0, err
		}
		return len(active), nil
	case db.SegmentBehavior:
		g, err := behaviorGroup(seg.BehaviorKind)
		if err != nil {
			return 0, err
		}
		return r.EstimateCount(ctx, seg.MerchantID, g)
	default:
		return 0, domain.Validationf("type", "unknown segment type %q", seg.Type)
	}
}

// ResolveUnion resolves every listed segment and returns the deduplicated
// union of their members. Missing or soft-deleted segments are skipped so
// a stale campaign target list degrades instead of failing the send.
func (r *Resolver) ResolveUnion(ctx context.Context, merchantID uuid.UUID, segmentIDs []uuid.UUID) ([]uuid.UUID, error) {
	start := time.Now()
	defer func() { metrics.RecordSegmentResolveDuration(time.Since(start)) }()

	seen := make(map[uuid.UUID]struct{})
	var union []uuid.UUID

	for _, segID := range segmentIDs {
		seg, err := r.segments.GetSegment(ctx, merchantID, segID)
		if err != nil {
			if domain.IsNotFound(err) {
				r.logger.Warn("skipping missing target segment",
					zap.String("segment_id", segID.String()),
				)
				continue
			}
			return nil, err
		}
		members, err := r.Resolve(ctx, seg)
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, id := range members {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	return union, nil
}

// Behavior kinds map to canned condition trees evaluated live, so a
// behavior segment tracks subscriber activity without materialization.
const (
	BehaviorRecentlyActive = "recently_active"
	BehaviorHighValue      = "high_value"
	BehaviorLapsed         = "lapsed"
)

func behaviorGroup(kind string) (*ConditionGroup, error) {
	switch kind {
	case BehaviorRecentlyActive:
		return &ConditionGroup{
			Combinator: CombinatorAnd,
			Conditions: []Condition{
				{Attribute: "last_active_at", Operator: OpWithinDays, Value: float64(7)},
			},
		}, nil
	case BehaviorHighValue:
		return &ConditionGroup{
			Combinator: CombinatorAnd,
			Conditions: []Condition{
				{Attribute: "total_spend", Operator: OpGreaterThan, Value: float64(100)},
				{Attribute: "order_count", Operator: OpGreaterThan, Value: float64(1)},
			},
		}, nil
	case BehaviorLapsed:
		cutoff := time.Now().AddDate(0, 0, -30).UTC().Format(time.RFC3339)
		return &ConditionGroup{
			Combinator: CombinatorAnd,
			Conditions: []Condition{
				{Attribute: "last_active_at", Operator: OpLessThan, Value: cutoff},
			},
		}, nil
	default:
		return nil, domain.Validationf("behavior_kind", "unknown behavior kind %q", kind)
	}
}
