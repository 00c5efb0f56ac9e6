// Package emitter produces the ordered change feed for one entity kind: live
// rows and tombstones merged into a single token-ordered page.
package emitter

import (
	"context"
	"fmt"
	"time"

	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
	syncErrors "github.com/photofold/sync-engine/errors"
)

const component = "emitter"

// DefaultPageSize bounds one emitted page when the caller does not choose.
const DefaultPageSize = 500

// Source is the read side the emitter consumes. *sqlite.Store satisfies it.
type Source interface {
	ListChanged(ctx context.Context, kind catalog.Kind, scope catalog.Scope, after cursor.Token, limit int) ([]catalog.ChangeRow, error)
	ListTombstones(ctx context.Context, kind catalog.Kind, scope catalog.Scope, after cursor.Token, limit int) ([]catalog.TombstoneRow, error)
	TombstoneHorizon() time.Time
}

// Page is one bounded slice of the change feed. Next is the cursor to resume
// from; it equals the token of the last record, or the input cursor when the
// page is empty.
type Page struct {
	Records []catalog.Record
	Next    cursor.Token
	HasMore bool
}

// Emitter reads the not-yet-acknowledged changes of entity kinds within a
// visibility scope. It is read-only and safe for concurrent use.
type Emitter struct {
	source   Source
	pageSize int
}

// New creates an Emitter. pageSize <= 0 selects DefaultPageSize.
func New(source Source, pageSize int) *Emitter {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Emitter{source: source, pageSize: pageSize}
}

// PageSize returns the configured page bound.
func (e *Emitter) PageSize() int { return e.pageSize }

// Emit returns the next page of changes for kind within scope, strictly after
// the cursor, in token order. Rows and tombstones are merged by token so a
// delete is never reordered against the update it supersedes.
//
// A non-zero cursor older than the tombstone retention horizon fails with a
// cursor-invalid error instead of silently skipping purged deletions; the
// caller must reset the affected type.
func (e *Emitter) Emit(ctx context.Context, kind catalog.Kind, scope catalog.Scope, after cursor.Token) (*Page, error) {
	op := syncErrors.Op("emitter.Emit")
	if !kind.Valid() {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindProtocol,
			fmt.Errorf("unknown entity kind %q", kind))
	}
	if err := e.checkHorizon(kind, after); err != nil {
		return nil, err
	}

	// Over-fetch by one on both inputs so HasMore is known without a second
	// round trip.
	fetch := e.pageSize + 1
	rows, err := e.source.ListChanged(ctx, kind, scope, after, fetch)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), err)
	}

	var tombs []catalog.TombstoneRow
	if _, ok := kind.DeleteType(); ok {
		tombs, err = e.source.ListTombstones(ctx, kind, scope, after, fetch)
		if err != nil {
			return nil, syncErrors.E(op, syncErrors.Component(component), err)
		}
	}

	page := &Page{Next: after}
	ri, ti := 0, 0
	for len(page.Records) < e.pageSize && (ri < len(rows) || ti < len(tombs)) {
		var rec catalog.Record
		var tok cursor.Token
		if ti >= len(tombs) || (ri < len(rows) && rows[ri].Token.Compare(tombs[ti].Token) < 0) {
			rec, err = upsertRecord(kind, rows[ri])
			tok = rows[ri].Token
			ri++
		} else {
			rec, err = deleteRecord(kind, tombs[ti])
			tok = tombs[ti].Token
			ti++
		}
		if err != nil {
			return nil, syncErrors.E(op, syncErrors.Component(component), err)
		}
		page.Records = append(page.Records, rec)
		page.Next = tok
	}
	page.HasMore = ri < len(rows) || ti < len(tombs)
	return page, nil
}

// checkHorizon rejects cursors that predate the tombstone retention window.
// Kinds without a delete type cannot lose deletions, so any cursor is honored.
func (e *Emitter) checkHorizon(kind catalog.Kind, after cursor.Token) error {
	if after.IsZero() {
		return nil
	}
	if _, ok := kind.DeleteType(); !ok {
		return nil
	}
	if after.Time().Before(e.source.TombstoneHorizon()) {
		err := syncErrors.E(syncErrors.Op("emitter.Emit"), syncErrors.Component(component),
			syncErrors.KindCursorInvalid,
			fmt.Errorf("cursor %s predates the tombstone retention horizon", after))
		return syncErrors.WithMetadata(err, "entity_kind", string(kind))
	}
	return nil
}

func upsertRecord(kind catalog.Kind, row catalog.ChangeRow) (catalog.Record, error) {
	ack, err := cursor.MarshalWire(row.Token)
	if err != nil {
		return catalog.Record{}, err
	}
	return catalog.Record{Type: kind.UpsertType(), Ack: ack, Data: row.Payload}, nil
}

func deleteRecord(kind catalog.Kind, tomb catalog.TombstoneRow) (catalog.Record, error) {
	deleteType, ok := kind.DeleteType()
	if !ok {
		return catalog.Record{}, fmt.Errorf("kind %q has no delete type", kind)
	}
	payload, err := catalog.DeletePayload(kind, tomb.ID)
	if err != nil {
		return catalog.Record{}, err
	}
	ack, err := cursor.MarshalWire(tomb.Token)
	if err != nil {
		return catalog.Record{}, err
	}
	return catalog.Record{Type: deleteType, Ack: ack, Data: payload}, nil
}
