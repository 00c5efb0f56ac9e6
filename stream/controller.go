// Package stream multiplexes the per-kind change feeds of one sync session
// into a single ordered record stream, running backfill ahead of the
// checkpointed feed and terminating with an explicit completion marker.
package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/photofold/sync-engine/backfill"
	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
	"github.com/photofold/sync-engine/emitter"
	syncErrors "github.com/photofold/sync-engine/errors"
	"github.com/photofold/sync-engine/logging"
)

const component = "stream"

// Checkpoints is the session/checkpoint state the controller reads and, on a
// reset-on-open, clears. *sqlite.Store satisfies it.
type Checkpoints interface {
	SessionUser(ctx context.Context, sessionID string) (string, error)
	GetAcks(ctx context.Context, sessionID string) (map[catalog.EntityType]cursor.Token, error)
	ResetCheckpoints(ctx context.Context, sessionID string, types ...catalog.EntityType) error
}

// Visibility resolves the relationship state that widens a user's scope
// beyond their own rows.
type Visibility interface {
	PartnerSharerIDs(ctx context.Context, userID string) ([]string, error)
	VisibleAlbumIDs(ctx context.Context, userID string) ([]string, error)
}

// Sink receives stream records in delivery order. Transports implement it.
type Sink interface {
	Send(ctx context.Context, rec catalog.Record) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec catalog.Record) error

func (f SinkFunc) Send(ctx context.Context, rec catalog.Record) error { return f(ctx, rec) }

// OpenRequest is one stream open: the entity groups to drain (empty means the
// full catalogue) and whether to discard the session's checkpoints first.
type OpenRequest struct {
	SessionID string
	Groups    []string
	Reset     bool
}

// Controller drives the per-session stream state machine: for each requested
// kind it resolves backfill, drains the change feed from the committed
// cursor, then signals completion. Cross-kind ordering is unspecified; within
// one kind records arrive in token order with backfill first.
type Controller struct {
	emitter     *emitter.Emitter
	resolver    *backfill.Resolver
	checkpoints Checkpoints
	visibility  Visibility
	logger      *logging.Logger
}

// NewController wires a Controller from its collaborators.
func NewController(em *emitter.Emitter, resolver *backfill.Resolver, checkpoints Checkpoints, visibility Visibility) *Controller {
	return &Controller{
		emitter:     em,
		resolver:    resolver,
		checkpoints: checkpoints,
		visibility:  visibility,
		logger:      logging.Default().WithComponent(component),
	}
}

// Stream drains the backlog for every requested kind into sink and sends the
// completion marker. Kinds whose cursor can no longer be honored are reported
// in a single reset record instead of failing the whole stream; everything
// already sent stays re-deliverable because nothing is committed until the
// client acks.
func (c *Controller) Stream(ctx context.Context, req OpenRequest, sink Sink) error {
	op := syncErrors.Op("stream.Stream")

	userID, err := c.checkpoints.SessionUser(ctx, req.SessionID)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol, err)
	}
	kinds, err := catalog.ExpandGroups(req.Groups)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol, err)
	}

	if req.Reset {
		if err := c.checkpoints.ResetCheckpoints(ctx, req.SessionID, catalog.CheckpointTypes(kinds)...); err != nil {
			return syncErrors.E(op, syncErrors.Component(component), err)
		}
	}

	acks, err := c.checkpoints.GetAcks(ctx, req.SessionID)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), err)
	}

	// Backfill plans are computed before the visibility snapshot. A
	// relationship granted between the two reads is then in neither the plan's
	// watermark nor this open's scopes, so the next open backfills it instead
	// of counting it as covered.
	plans := make(map[catalog.Kind][]catalog.Record, len(kinds))
	for _, kind := range kinds {
		var watermark cursor.Token
		if backfillType, ok := kind.BackfillType(); ok {
			watermark = acks[backfillType]
		}
		plan, err := c.resolver.Resolve(ctx, userID, kind, acks[kind.UpsertType()], watermark)
		if err != nil {
			return err
		}
		plans[kind] = plan
	}

	scopes, err := c.sessionScopes(ctx, userID)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), err)
	}

	logger := c.logger.WithSession(req.SessionID, userID)
	sent := 0
	var invalid []catalog.EntityType

	for _, kind := range kinds {
		n, err := c.streamKind(ctx, userID, kind, acks[kind.UpsertType()], plans[kind], scopes, sink)
		sent += n
		if err != nil {
			if syncErrors.IsCursorInvalid(err) {
				logger.WarnContext(ctx, "cursor beyond retention, reset required",
					slog.String("entity_kind", string(kind)))
				invalid = append(invalid, kind.UpsertType())
				continue
			}
			return err
		}
	}

	if len(invalid) > 0 {
		rec := catalog.Record{Type: catalog.TypeSyncResetV1, Data: catalog.SyncResetV1{Types: invalid}}
		if err := sink.Send(ctx, rec); err != nil {
			return syncErrors.E(op, syncErrors.Component(component), err)
		}
	}
	complete := catalog.Record{Type: catalog.TypeSyncCompleteV1, Data: catalog.SyncCompleteV1{}}
	if err := sink.Send(ctx, complete); err != nil {
		return syncErrors.E(op, syncErrors.Component(component), err)
	}

	logger.InfoContext(ctx, "stream drained",
		slog.Int("records", sent),
		slog.Int("kinds", len(kinds)),
		slog.Int("reset_required", len(invalid)),
	)
	return nil
}

// streamKind delivers one kind: backfill records first, then the change feed
// from the committed cursor. Returns the number of records sent.
func (c *Controller) streamKind(ctx context.Context, userID string, kind catalog.Kind, ack cursor.Token, backfillRecords []catalog.Record, scopes sessionScopes, sink Sink) (int, error) {
	op := syncErrors.Op("stream.streamKind")
	sent := 0

	for _, rec := range backfillRecords {
		if err := sink.Send(ctx, rec); err != nil {
			return sent, syncErrors.E(op, syncErrors.Component(component), err)
		}
		sent++
	}

	scope := scopes.forKind(kind, userID)
	after := ack
	for {
		page, err := c.emitter.Emit(ctx, kind, scope, after)
		if err != nil {
			return sent, err
		}
		for _, rec := range page.Records {
			if err := sink.Send(ctx, rec); err != nil {
				return sent, syncErrors.E(op, syncErrors.Component(component), err)
			}
			sent++
		}
		if !page.HasMore {
			return sent, nil
		}
		after = page.Next
	}
}

// sessionScopes caches the relationship lookups one stream open needs.
type sessionScopes struct {
	sharers       []string
	visibleAlbums []string
}

func (c *Controller) sessionScopes(ctx context.Context, userID string) (sessionScopes, error) {
	sharers, err := c.visibility.PartnerSharerIDs(ctx, userID)
	if err != nil {
		return sessionScopes{}, fmt.Errorf("resolve partner sharers: %w", err)
	}
	albums, err := c.visibility.VisibleAlbumIDs(ctx, userID)
	if err != nil {
		return sessionScopes{}, fmt.Errorf("resolve visible albums: %w", err)
	}
	return sessionScopes{sharers: sharers, visibleAlbums: albums}, nil
}

// forKind maps an entity kind to the visibility predicate of this session.
func (s sessionScopes) forKind(kind catalog.Kind, userID string) catalog.Scope {
	withPartners := append([]string{userID}, s.sharers...)
	switch kind {
	case catalog.KindUser, catalog.KindPerson, catalog.KindAssetFace:
		return catalog.ByOwners(withPartners...)
	case catalog.KindAsset, catalog.KindAssetExif, catalog.KindAssetMetadata, catalog.KindStack:
		return catalog.ByOwners(withPartners...)
	case catalog.KindPartner:
		// Partnerships the user created plus those naming them as recipient.
		return catalog.Scope{IDPrefixes: []string{userID}, IDSuffixes: []string{userID}}
	case catalog.KindAlbum:
		// The owner filter keeps tombstones of the user's own deleted albums
		// reachable after they drop out of the visible-album set.
		return catalog.Scope{OwnerIDs: []string{userID}, IDs: s.visibleAlbums}
	case catalog.KindAlbumUser, catalog.KindAlbumAsset:
		return catalog.Scope{OwnerIDs: []string{userID}, IDPrefixes: s.visibleAlbums}
	case catalog.KindMemory, catalog.KindMemoryAsset, catalog.KindUserMetadata:
		return catalog.ByOwners(userID)
	default:
		return catalog.Scope{}
	}
}
