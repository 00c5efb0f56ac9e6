package catalog

import (
	"encoding/json"
	"time"

	"github.com/photofold/sync-engine/cursor"
)

// ChangeRow is a stored row of a syncable entity, as read by change emitters
// and the backfill resolver.
type ChangeRow struct {
	Kind    Kind
	ID      string
	OwnerID string
	Token   cursor.Token
	Payload json.RawMessage
}

// TombstoneRow is a recorded deletion. The row itself is gone from primary
// storage, so the tombstone carries the version token issued at delete time.
type TombstoneRow struct {
	Kind      Kind
	ID        string
	OwnerID   string
	Token     cursor.Token
	DeletedAt time.Time
}

// Scope is the visibility predicate applied when reading changes. A row
// matches if any filter matches: OwnerIDs against the row's scope owner, IDs
// against the full identity key, IDPrefixes against the leading segment of a
// composite key (album- or asset-scoped kinds, where visibility follows the
// parent), IDSuffixes against the trailing segment (relationship rows naming
// the session user as the counterparty). An empty scope matches nothing.
type Scope struct {
	OwnerIDs   []string
	IDs        []string
	IDPrefixes []string
	IDSuffixes []string
}

// AckItem is one committed-progress entry: the client confirms it has
// durably applied every record of Type up to and including Ack.
type AckItem struct {
	Type EntityType
	Ack  cursor.Token
}

// ByOwners builds an owner-filtered scope.
func ByOwners(ownerIDs ...string) Scope { return Scope{OwnerIDs: ownerIDs} }

// ByIDs builds an exact-identity scope.
func ByIDs(ids ...string) Scope { return Scope{IDs: ids} }

// ByIDPrefixes builds a composite-key-filtered scope.
func ByIDPrefixes(prefixes ...string) Scope { return Scope{IDPrefixes: prefixes} }

// Empty reports whether the scope matches nothing.
func (s Scope) Empty() bool {
	return len(s.OwnerIDs) == 0 && len(s.IDs) == 0 && len(s.IDPrefixes) == 0 && len(s.IDSuffixes) == 0
}
