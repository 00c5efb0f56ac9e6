// Package legacy implements the older asset-only replication protocol kept
// for clients that predate checkpointed sync: bounded-pagination full sync
// and a timestamp-window delta sync.
package legacy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/photofold/sync-engine/catalog"
	syncErrors "github.com/photofold/sync-engine/errors"
)

const component = "legacy"

// DefaultPageLimit caps one full-sync page when the client asks for more.
const DefaultPageLimit = 1000

// Source is the storage surface the legacy protocol reads. *sqlite.Store
// satisfies it.
type Source interface {
	LegacyAssetPage(ctx context.Context, ownerIDs []string, lastID string, until time.Time, limit int) ([]catalog.ChangeRow, error)
	LegacyChangedAssets(ctx context.Context, ownerIDs []string, updatedAfter time.Time) ([]catalog.ChangeRow, error)
	LegacyDeletedAssetIDs(ctx context.Context, ownerIDs []string, updatedAfter time.Time) ([]string, error)
	PartnerSharerIDs(ctx context.Context, userID string) ([]string, error)
	TombstoneRetention() time.Duration
}

// FullSyncRequest asks for the next page of the asset snapshot at
// UpdatedUntil. LastID resumes after the previous page; empty starts over.
// OwnerID narrows the page to one visible owner; empty means all.
type FullSyncRequest struct {
	UserID       string    `json:"-"`
	OwnerID      string    `json:"userId,omitempty"`
	LastID       string    `json:"lastId,omitempty"`
	UpdatedUntil time.Time `json:"updatedUntil"`
	Limit        int       `json:"limit"`
}

// DeltaSyncRequest asks for everything that changed after UpdatedAfter for
// the given owners.
type DeltaSyncRequest struct {
	UserID       string    `json:"-"`
	UpdatedAfter time.Time `json:"updatedAfter"`
	OwnerIDs     []string  `json:"userIds"`
}

// DeltaSyncResponse carries the delta, or NeedsFullSync when the requested
// window is older than the tombstone retention and deletions may already be
// purged. A needs-full-sync response carries no data; trusting a partial
// delta would strand ghost assets on the client.
type DeltaSyncResponse struct {
	NeedsFullSync bool              `json:"needsFullSync"`
	Upserted      []catalog.AssetV1 `json:"upserted"`
	Deleted       []string          `json:"deleted"`
}

// Service answers legacy sync calls. It shares storage with the checkpointed
// engine but keeps no per-client state at all.
type Service struct {
	source    Source
	pageLimit int
	now       func() time.Time
}

// New creates a Service. pageLimit <= 0 selects DefaultPageLimit.
func New(source Source) *Service {
	return &Service{source: source, pageLimit: DefaultPageLimit, now: time.Now}
}

// FullSync returns one page of assets ordered by id, created at or before
// UpdatedUntil, for the requesting user's visible owners.
func (s *Service) FullSync(ctx context.Context, req FullSyncRequest) ([]catalog.AssetV1, error) {
	op := syncErrors.Op("legacy.FullSync")
	if req.UserID == "" {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol, "user id is required")
	}
	if req.UpdatedUntil.IsZero() {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol, "updatedUntil is required")
	}

	owners, err := s.visibleOwners(ctx, req.UserID)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), err)
	}
	if req.OwnerID != "" {
		if !contains(owners, req.OwnerID) {
			return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol,
				fmt.Errorf("owner %q is not visible to user %q", req.OwnerID, req.UserID))
		}
		owners = []string{req.OwnerID}
	}

	limit := req.Limit
	if limit <= 0 || limit > s.pageLimit {
		limit = s.pageLimit
	}

	rows, err := s.source.LegacyAssetPage(ctx, owners, req.LastID, req.UpdatedUntil, limit)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), err)
	}
	return decodeAssets(rows)
}

// DeltaSync returns assets upserted and asset ids tombstoned after
// UpdatedAfter. Windows older than the tombstone retention cannot be answered
// reliably and come back flagged NeedsFullSync instead.
func (s *Service) DeltaSync(ctx context.Context, req DeltaSyncRequest) (*DeltaSyncResponse, error) {
	op := syncErrors.Op("legacy.DeltaSync")
	if req.UserID == "" {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol, "user id is required")
	}
	if req.UpdatedAfter.IsZero() {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol, "updatedAfter is required")
	}

	visible, err := s.visibleOwners(ctx, req.UserID)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), err)
	}
	owners := req.OwnerIDs
	if len(owners) == 0 {
		owners = visible
	}
	for _, owner := range owners {
		if !contains(visible, owner) {
			return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol,
				fmt.Errorf("owner %q is not visible to user %q", owner, req.UserID))
		}
	}

	if req.UpdatedAfter.Before(s.now().Add(-s.source.TombstoneRetention())) {
		return &DeltaSyncResponse{NeedsFullSync: true}, nil
	}

	changed, err := s.source.LegacyChangedAssets(ctx, owners, req.UpdatedAfter)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), err)
	}
	upserted, err := decodeAssets(changed)
	if err != nil {
		return nil, err
	}
	deleted, err := s.source.LegacyDeletedAssetIDs(ctx, owners, req.UpdatedAfter)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), err)
	}

	return &DeltaSyncResponse{
		Upserted: upserted,
		Deleted:  deleted,
	}, nil
}

func (s *Service) visibleOwners(ctx context.Context, userID string) ([]string, error) {
	sharers, err := s.source.PartnerSharerIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	return append([]string{userID}, sharers...), nil
}

func decodeAssets(rows []catalog.ChangeRow) ([]catalog.AssetV1, error) {
	assets := make([]catalog.AssetV1, 0, len(rows))
	for _, row := range rows {
		var a catalog.AssetV1
		if err := json.Unmarshal(row.Payload, &a); err != nil {
			return nil, syncErrors.E(syncErrors.Op("legacy.decodeAssets"), syncErrors.Component(component),
				fmt.Errorf("decode asset %s: %w", row.ID, err))
		}
		assets = append(assets, a)
	}
	return assets, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
