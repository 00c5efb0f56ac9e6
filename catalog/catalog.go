// Package catalog defines the syncable entity catalogue: entity kinds, their
// wire types, and the entity groups clients request on stream open.
package catalog

import (
	"fmt"
	"strings"
)

// Kind identifies a syncable entity kind. Version tokens are comparable
// within one kind only.
type Kind string

const (
	KindUser          Kind = "user"
	KindPartner       Kind = "partner"
	KindAsset         Kind = "asset"
	KindAssetExif     Kind = "asset_exif"
	KindAssetMetadata Kind = "asset_metadata"
	KindAlbum         Kind = "album"
	KindAlbumUser     Kind = "album_user"
	KindAlbumAsset    Kind = "album_asset"
	KindMemory        Kind = "memory"
	KindMemoryAsset   Kind = "memory_asset"
	KindStack         Kind = "stack"
	KindPerson        Kind = "person"
	KindAssetFace     Kind = "asset_face"
	KindUserMetadata  Kind = "user_metadata"
)

// EntityType tags a wire record. Each kind has an upsert type, usually a
// delete type, and, for relationship-gated data, a backfill type whose
// payload shape is identical to the upsert type.
type EntityType string

const (
	TypeUserV1          EntityType = "UserV1"
	TypeUserDeleteV1    EntityType = "UserDeleteV1"
	TypePartnerV1       EntityType = "PartnerV1"
	TypePartnerDeleteV1 EntityType = "PartnerDeleteV1"

	TypeAssetV1         EntityType = "AssetV1"
	TypeAssetDeleteV1   EntityType = "AssetDeleteV1"
	TypeAssetBackfillV1 EntityType = "AssetBackfillV1"

	TypeAssetExifV1         EntityType = "AssetExifV1"
	TypeAssetExifBackfillV1 EntityType = "AssetExifBackfillV1"

	TypeAssetMetadataV1         EntityType = "AssetMetadataV1"
	TypeAssetMetadataDeleteV1   EntityType = "AssetMetadataDeleteV1"
	TypeAssetMetadataBackfillV1 EntityType = "AssetMetadataBackfillV1"

	TypeAlbumV1       EntityType = "AlbumV1"
	TypeAlbumDeleteV1 EntityType = "AlbumDeleteV1"

	TypeAlbumUserV1         EntityType = "AlbumUserV1"
	TypeAlbumUserDeleteV1   EntityType = "AlbumUserDeleteV1"
	TypeAlbumUserBackfillV1 EntityType = "AlbumUserBackfillV1"

	TypeAlbumAssetV1         EntityType = "AlbumAssetV1"
	TypeAlbumAssetDeleteV1   EntityType = "AlbumAssetDeleteV1"
	TypeAlbumAssetBackfillV1 EntityType = "AlbumAssetBackfillV1"

	TypeMemoryV1       EntityType = "MemoryV1"
	TypeMemoryDeleteV1 EntityType = "MemoryDeleteV1"

	TypeMemoryAssetV1       EntityType = "MemoryAssetV1"
	TypeMemoryAssetDeleteV1 EntityType = "MemoryAssetDeleteV1"

	TypeStackV1         EntityType = "StackV1"
	TypeStackDeleteV1   EntityType = "StackDeleteV1"
	TypeStackBackfillV1 EntityType = "StackBackfillV1"

	TypePersonV1       EntityType = "PersonV1"
	TypePersonDeleteV1 EntityType = "PersonDeleteV1"

	TypeAssetFaceV1       EntityType = "AssetFaceV1"
	TypeAssetFaceDeleteV1 EntityType = "AssetFaceDeleteV1"

	TypeUserMetadataV1       EntityType = "UserMetadataV1"
	TypeUserMetadataDeleteV1 EntityType = "UserMetadataDeleteV1"

	// TypeSyncCompleteV1 terminates a stream once every requested type has
	// drained, so clients can distinguish "empty" from "still catching up".
	TypeSyncCompleteV1 EntityType = "SyncCompleteV1"

	// TypeSyncResetV1 tells the client its cursor for the listed types can no
	// longer be honored and a Reset is required before the next open.
	TypeSyncResetV1 EntityType = "SyncResetV1"
)

type kindTypes struct {
	upsert   EntityType
	delete   EntityType
	backfill EntityType
}

var kinds = map[Kind]kindTypes{
	KindUser:          {upsert: TypeUserV1, delete: TypeUserDeleteV1},
	KindPartner:       {upsert: TypePartnerV1, delete: TypePartnerDeleteV1},
	KindAsset:         {upsert: TypeAssetV1, delete: TypeAssetDeleteV1, backfill: TypeAssetBackfillV1},
	KindAssetExif:     {upsert: TypeAssetExifV1, backfill: TypeAssetExifBackfillV1},
	KindAssetMetadata: {upsert: TypeAssetMetadataV1, delete: TypeAssetMetadataDeleteV1, backfill: TypeAssetMetadataBackfillV1},
	KindAlbum:         {upsert: TypeAlbumV1, delete: TypeAlbumDeleteV1},
	KindAlbumUser:     {upsert: TypeAlbumUserV1, delete: TypeAlbumUserDeleteV1, backfill: TypeAlbumUserBackfillV1},
	KindAlbumAsset:    {upsert: TypeAlbumAssetV1, delete: TypeAlbumAssetDeleteV1, backfill: TypeAlbumAssetBackfillV1},
	KindMemory:        {upsert: TypeMemoryV1, delete: TypeMemoryDeleteV1},
	KindMemoryAsset:   {upsert: TypeMemoryAssetV1, delete: TypeMemoryAssetDeleteV1},
	KindStack:         {upsert: TypeStackV1, delete: TypeStackDeleteV1, backfill: TypeStackBackfillV1},
	KindPerson:        {upsert: TypePersonV1, delete: TypePersonDeleteV1},
	KindAssetFace:     {upsert: TypeAssetFaceV1, delete: TypeAssetFaceDeleteV1},
	KindUserMetadata:  {upsert: TypeUserMetadataV1, delete: TypeUserMetadataDeleteV1},
}

// typeToKind maps every catalogued upsert type back to its kind. Checkpoints
// are keyed by upsert type.
var typeToKind = func() map[EntityType]Kind {
	m := make(map[EntityType]Kind, len(kinds))
	for k, t := range kinds {
		m[t.upsert] = k
	}
	return m
}()

// Valid reports whether k is a catalogued kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// UpsertType returns the create/update wire type for k.
func (k Kind) UpsertType() EntityType { return kinds[k].upsert }

// DeleteType returns the deletion wire type for k. Kinds whose deletion is
// implied by their parent row (e.g. exif rides with its asset) have none.
func (k Kind) DeleteType() (EntityType, bool) {
	t := kinds[k].delete
	return t, t != ""
}

// BackfillType returns the one-time catch-up wire type for k, present only
// for relationship-gated kinds. There is no backfill delete variant: backfill
// scans live rows only, and deletions inside a newly granted scope flow
// through the kind's ordinary tombstone feed once the scope is visible.
func (k Kind) BackfillType() (EntityType, bool) {
	t := kinds[k].backfill
	return t, t != ""
}

// KindOfType resolves a checkpointable entity type back to its kind.
func KindOfType(t EntityType) (Kind, bool) {
	k, ok := typeToKind[t]
	return k, ok
}

// ackableTypes maps every wire type a client may ack to its checkpoint key.
// Upsert and delete records share one checkpoint per kind. Backfill records
// checkpoint separately under their own type: that checkpoint is a watermark
// over relationship-row tokens, not over the kind's data feed. Control
// records are never ackable.
var ackableTypes = func() map[EntityType]EntityType {
	m := make(map[EntityType]EntityType, 3*len(kinds))
	for _, t := range kinds {
		m[t.upsert] = t.upsert
		if t.delete != "" {
			m[t.delete] = t.upsert
		}
		if t.backfill != "" {
			m[t.backfill] = t.backfill
		}
	}
	return m
}()

// CheckpointType normalizes a wire type from an ack to the type its
// checkpoint is keyed by. Returns false for types that cannot be acked.
func CheckpointType(t EntityType) (EntityType, bool) {
	key, ok := ackableTypes[t]
	return key, ok
}

// CheckpointTypes returns every checkpoint key the given kinds use: the
// upsert type plus, where present, the backfill watermark type. Resets clear
// both, so a re-baselined kind also re-pins its relationship watermark.
func CheckpointTypes(kinds []Kind) []EntityType {
	out := make([]EntityType, 0, 2*len(kinds))
	for _, k := range kinds {
		out = append(out, k.UpsertType())
		if backfillType, ok := k.BackfillType(); ok {
			out = append(out, backfillType)
		}
	}
	return out
}

// AllKinds returns the catalogue in a stable order.
func AllKinds() []Kind {
	return []Kind{
		KindUser, KindPartner,
		KindAsset, KindAssetExif, KindAssetMetadata,
		KindAlbum, KindAlbumUser, KindAlbumAsset,
		KindMemory, KindMemoryAsset,
		KindStack, KindPerson, KindAssetFace,
		KindUserMetadata,
	}
}

// Group names a client-facing bundle of entity kinds. Stream-open requests
// name groups; the server expands them to the full catalogue internally.
type Group string

const (
	GroupUsers    Group = "users"
	GroupPartners Group = "partners"
	GroupAssets   Group = "assets"
	GroupAlbums   Group = "albums"
	GroupMemories Group = "memories"
	GroupStacks   Group = "stacks"
	GroupPeople   Group = "people"
)

var groups = map[Group][]Kind{
	GroupUsers:    {KindUser, KindUserMetadata},
	GroupPartners: {KindPartner},
	GroupAssets:   {KindAsset, KindAssetExif, KindAssetMetadata},
	GroupAlbums:   {KindAlbum, KindAlbumUser, KindAlbumAsset},
	GroupMemories: {KindMemory, KindMemoryAsset},
	GroupStacks:   {KindStack},
	GroupPeople:   {KindPerson, KindAssetFace},
}

// AllGroups returns every request group in a stable order.
func AllGroups() []Group {
	return []Group{GroupUsers, GroupPartners, GroupAssets, GroupAlbums, GroupMemories, GroupStacks, GroupPeople}
}

// ExpandGroups expands request group names to entity kinds, deduplicated, in
// catalogue order. Unknown names are rejected; an empty request expands to
// the full catalogue.
func ExpandGroups(names []string) ([]Kind, error) {
	if len(names) == 0 {
		return AllKinds(), nil
	}
	requested := make(map[Kind]bool)
	for _, name := range names {
		kindList, ok := groups[Group(strings.ToLower(name))]
		if !ok {
			return nil, fmt.Errorf("unknown entity group %q", name)
		}
		for _, k := range kindList {
			requested[k] = true
		}
	}
	out := make([]Kind, 0, len(requested))
	for _, k := range AllKinds() {
		if requested[k] {
			out = append(out, k)
		}
	}
	return out, nil
}

// Composite identity keys are joined with '/' in storage and tombstones.
const idSeparator = "/"

// JoinID builds a composite identity key.
func JoinID(parts ...string) string { return strings.Join(parts, idSeparator) }

// SplitID splits a composite identity key into n parts. The final part keeps
// any embedded separators.
func SplitID(id string, n int) []string { return strings.SplitN(id, idSeparator, n) }
