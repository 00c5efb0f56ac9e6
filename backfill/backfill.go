// Package backfill computes one-time catch-up sets for relationship-derived
// visibility: rows a session could never have seen through its checkpoint
// because the partnership or album membership granting visibility did not
// exist when the checkpoint was committed.
package backfill

import (
	"context"

	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
	syncErrors "github.com/photofold/sync-engine/errors"
)

const component = "backfill"

// Source is the read side the resolver consumes. *sqlite.Store satisfies it.
type Source interface {
	ListChanged(ctx context.Context, kind catalog.Kind, scope catalog.Scope, after cursor.Token, limit int) ([]catalog.ChangeRow, error)
	PartnersAddedSince(ctx context.Context, userID string, after cursor.Token) ([]catalog.ChangeRow, error)
	AlbumMembershipsAddedSince(ctx context.Context, userID string, after cursor.Token) ([]catalog.ChangeRow, error)
}

// Resolver produces backfill records. It is read-only, never advances a
// checkpoint itself, and re-running a resolution is safe: clients apply
// backfill records as upserts.
type Resolver struct {
	source   Source
	pageSize int
}

// New creates a Resolver. pageSize bounds each scan round trip, not the total
// result; pageSize <= 0 selects 500.
func New(source Source, pageSize int) *Resolver {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Resolver{source: source, pageSize: pageSize}
}

// Resolve returns the backfill records for one entity kind of a session.
// feedAck is the kind's committed change-feed cursor. watermark is the kind's
// backfill checkpoint: a cursor over relationship-row tokens recording the
// newest transition whose granted rows the client has durably applied.
//
// Transitions are detected against the watermark alone, never against the
// change-feed cursor. The two advance independently, so a partnership or
// membership whose token happens to fall below a later feed ack still
// triggers backfill; the feed cursor says nothing about which scopes the
// session has seen.
//
// Each transition's final record carries the transition's token as an ack of
// the backfill type, letting the client commit watermark progress per
// transition. A transition granting no rows yields an ack-only record (no
// data) so the watermark still advances. The feed checkpoint is never
// carried: committing a data-row token here could leap the feed cursor past
// changes the session has not seen.
//
// A never-synced feed (zero feedAck) gets its baseline from the change feed's
// from-the-beginning scan, which spans every scope visible at open time. The
// resolver then emits a single ack-only record pinning the watermark at the
// current relationship frontier, so only later transitions backfill.
func (r *Resolver) Resolve(ctx context.Context, userID string, kind catalog.Kind, feedAck, watermark cursor.Token) ([]catalog.Record, error) {
	op := syncErrors.Op("backfill.Resolve")

	backfillType, ok := kind.BackfillType()
	if !ok {
		return nil, nil
	}

	transitions, err := r.transitions(ctx, userID, kind, watermark)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), err)
	}
	if len(transitions) == 0 {
		return nil, nil
	}

	if feedAck.IsZero() {
		frontier, err := cursor.MarshalWire(transitions[len(transitions)-1].Token)
		if err != nil {
			return nil, syncErrors.E(op, syncErrors.Component(component), err)
		}
		return []catalog.Record{{Type: backfillType, Ack: frontier}}, nil
	}

	var records []catalog.Record
	for _, transition := range transitions {
		mark, err := cursor.MarshalWire(transition.Token)
		if err != nil {
			return nil, syncErrors.E(op, syncErrors.Component(component), err)
		}
		rows, err := r.grantedRows(ctx, kind, transition)
		if err != nil {
			return nil, syncErrors.E(op, syncErrors.Component(component), err)
		}
		if len(rows) == 0 {
			records = append(records, catalog.Record{Type: backfillType, Ack: mark})
			continue
		}
		for i, row := range rows {
			rec := catalog.Record{Type: backfillType, Data: row.Payload}
			if i == len(rows)-1 {
				rec.Ack = mark
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// transitions returns the relationship rows granting kind's visibility with
// tokens newer than the watermark, in token order.
func (r *Resolver) transitions(ctx context.Context, userID string, kind catalog.Kind, watermark cursor.Token) ([]catalog.ChangeRow, error) {
	switch kind {
	case catalog.KindAsset, catalog.KindAssetExif, catalog.KindAssetMetadata, catalog.KindStack:
		return r.source.PartnersAddedSince(ctx, userID, watermark)
	case catalog.KindAlbumUser, catalog.KindAlbumAsset:
		return r.source.AlbumMembershipsAddedSince(ctx, userID, watermark)
	}
	return nil, nil
}

// grantedRows drains every currently visible row the transition grants: the
// sharer's library for a partnership, the album subtree for a membership.
func (r *Resolver) grantedRows(ctx context.Context, kind catalog.Kind, transition catalog.ChangeRow) ([]catalog.ChangeRow, error) {
	var scope catalog.Scope
	switch transition.Kind {
	case catalog.KindPartner:
		scope = catalog.ByOwners(transition.OwnerID)
	case catalog.KindAlbumUser:
		scope = catalog.ByIDPrefixes(catalog.SplitID(transition.ID, 2)[0])
	default:
		return nil, nil
	}

	var out []catalog.ChangeRow
	after := cursor.Zero
	for {
		rows, err := r.source.ListChanged(ctx, kind, scope, after, r.pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
		if len(rows) < r.pageSize {
			return out, nil
		}
		after = rows[len(rows)-1].Token
	}
}
