package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/photofold/sync-engine/cursor"
)

// Record is one tagged entry in a sync stream. Ack carries the record's
// version token in wire-cursor form; the client echoes the last ack it has
// durably applied per type. A backfill record with no data is ack-only: it
// advances the backfill watermark without carrying an entity.
type Record struct {
	Type EntityType         `json:"type"`
	Ack  *cursor.WireCursor `json:"ack,omitempty"`
	Data interface{}        `json:"data"`
}

// --- Upsert payloads (BackfillV1 variants share these shapes) ---

type UserV1 struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type PartnerV1 struct {
	SharedByID   string `json:"sharedById"`
	SharedWithID string `json:"sharedWithId"`
	InTimeline   bool   `json:"inTimeline"`
}

type AssetV1 struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"ownerId"`
	OriginalFileName string    `json:"originalFileName"`
	Checksum         string    `json:"checksum"`
	Type             string    `json:"type"` // image, video
	FileCreatedAt    time.Time `json:"fileCreatedAt"`
	FileModifiedAt   time.Time `json:"fileModifiedAt"`
	IsFavorite       bool      `json:"isFavorite"`
	Visibility       string    `json:"visibility"`
}

type AssetExifV1 struct {
	AssetID          string     `json:"assetId"`
	Make             string     `json:"make,omitempty"`
	Model            string     `json:"model,omitempty"`
	ExifImageWidth   int        `json:"exifImageWidth,omitempty"`
	ExifImageHeight  int        `json:"exifImageHeight,omitempty"`
	Latitude         float64    `json:"latitude,omitempty"`
	Longitude        float64    `json:"longitude,omitempty"`
	City             string     `json:"city,omitempty"`
	Country          string     `json:"country,omitempty"`
	DateTimeOriginal *time.Time `json:"dateTimeOriginal,omitempty"`
}

type AssetMetadataV1 struct {
	AssetID string          `json:"assetId"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
}

type AlbumV1 struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type AlbumUserV1 struct {
	AlbumID string `json:"albumId"`
	UserID  string `json:"userId"`
	Role    string `json:"role"` // editor, viewer
}

type AlbumAssetV1 struct {
	AlbumID string `json:"albumId"`
	AssetID string `json:"assetId"`
}

type MemoryV1 struct {
	ID       string          `json:"id"`
	OwnerID  string          `json:"ownerId"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	MemoryAt time.Time       `json:"memoryAt"`
	IsSaved  bool            `json:"isSaved"`
}

type MemoryAssetV1 struct {
	MemoryID string `json:"memoryId"`
	AssetID  string `json:"assetId"`
}

type StackV1 struct {
	ID             string `json:"id"`
	OwnerID        string `json:"ownerId"`
	PrimaryAssetID string `json:"primaryAssetId"`
}

type PersonV1 struct {
	ID       string `json:"id"`
	OwnerID  string `json:"ownerId"`
	Name     string `json:"name"`
	IsHidden bool   `json:"isHidden"`
}

type AssetFaceV1 struct {
	ID         string `json:"id"`
	AssetID    string `json:"assetId"`
	PersonID   string `json:"personId,omitempty"`
	SourceType string `json:"sourceType,omitempty"`
}

type UserMetadataV1 struct {
	UserID string          `json:"userId"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
}

// --- Delete payloads ---

type UserDeleteV1 struct {
	UserID string `json:"userId"`
}

type PartnerDeleteV1 struct {
	SharedByID   string `json:"sharedById"`
	SharedWithID string `json:"sharedWithId"`
}

type AssetDeleteV1 struct {
	AssetID string `json:"assetId"`
}

type AssetMetadataDeleteV1 struct {
	AssetID string `json:"assetId"`
	Key     string `json:"key"`
}

type AlbumDeleteV1 struct {
	AlbumID string `json:"albumId"`
}

type AlbumUserDeleteV1 struct {
	AlbumID string `json:"albumId"`
	UserID  string `json:"userId"`
}

type AlbumAssetDeleteV1 struct {
	AlbumID string `json:"albumId"`
	AssetID string `json:"assetId"`
}

type MemoryDeleteV1 struct {
	MemoryID string `json:"memoryId"`
}

type MemoryAssetDeleteV1 struct {
	MemoryID string `json:"memoryId"`
	AssetID  string `json:"assetId"`
}

type StackDeleteV1 struct {
	StackID string `json:"stackId"`
}

type PersonDeleteV1 struct {
	PersonID string `json:"personId"`
}

type AssetFaceDeleteV1 struct {
	AssetFaceID string `json:"assetFaceId"`
}

type UserMetadataDeleteV1 struct {
	UserID string `json:"userId"`
	Key    string `json:"key"`
}

// --- Control payloads ---

type SyncCompleteV1 struct{}

type SyncResetV1 struct {
	Types []EntityType `json:"types"`
}

// DeletePayload builds the deletion payload for a tombstoned row of the given
// kind from its composite identity key.
func DeletePayload(k Kind, compositeID string) (interface{}, error) {
	switch k {
	case KindUser:
		return UserDeleteV1{UserID: compositeID}, nil
	case KindPartner:
		p := SplitID(compositeID, 2)
		if len(p) != 2 {
			return nil, fmt.Errorf("malformed partner id %q", compositeID)
		}
		return PartnerDeleteV1{SharedByID: p[0], SharedWithID: p[1]}, nil
	case KindAsset:
		return AssetDeleteV1{AssetID: compositeID}, nil
	case KindAssetMetadata:
		p := SplitID(compositeID, 2)
		if len(p) != 2 {
			return nil, fmt.Errorf("malformed asset metadata id %q", compositeID)
		}
		return AssetMetadataDeleteV1{AssetID: p[0], Key: p[1]}, nil
	case KindAlbum:
		return AlbumDeleteV1{AlbumID: compositeID}, nil
	case KindAlbumUser:
		p := SplitID(compositeID, 2)
		if len(p) != 2 {
			return nil, fmt.Errorf("malformed album user id %q", compositeID)
		}
		return AlbumUserDeleteV1{AlbumID: p[0], UserID: p[1]}, nil
	case KindAlbumAsset:
		p := SplitID(compositeID, 2)
		if len(p) != 2 {
			return nil, fmt.Errorf("malformed album asset id %q", compositeID)
		}
		return AlbumAssetDeleteV1{AlbumID: p[0], AssetID: p[1]}, nil
	case KindMemory:
		return MemoryDeleteV1{MemoryID: compositeID}, nil
	case KindMemoryAsset:
		p := SplitID(compositeID, 2)
		if len(p) != 2 {
			return nil, fmt.Errorf("malformed memory asset id %q", compositeID)
		}
		return MemoryAssetDeleteV1{MemoryID: p[0], AssetID: p[1]}, nil
	case KindStack:
		return StackDeleteV1{StackID: compositeID}, nil
	case KindPerson:
		return PersonDeleteV1{PersonID: compositeID}, nil
	case KindAssetFace:
		return AssetFaceDeleteV1{AssetFaceID: compositeID}, nil
	case KindUserMetadata:
		p := SplitID(compositeID, 2)
		if len(p) != 2 {
			return nil, fmt.Errorf("malformed user metadata id %q", compositeID)
		}
		return UserMetadataDeleteV1{UserID: p[0], Key: p[1]}, nil
	default:
		return nil, fmt.Errorf("kind %q has no delete payload", k)
	}
}

// payloadPrototypes lets UnmarshalPayload decode into the concrete variant
// for a tagged record. Backfill types decode into the same shapes as their
// upsert types.
func payloadPrototype(t EntityType) (interface{}, bool) {
	switch t {
	case TypeUserV1:
		return &UserV1{}, true
	case TypeUserDeleteV1:
		return &UserDeleteV1{}, true
	case TypePartnerV1:
		return &PartnerV1{}, true
	case TypePartnerDeleteV1:
		return &PartnerDeleteV1{}, true
	case TypeAssetV1, TypeAssetBackfillV1:
		return &AssetV1{}, true
	case TypeAssetDeleteV1:
		return &AssetDeleteV1{}, true
	case TypeAssetExifV1, TypeAssetExifBackfillV1:
		return &AssetExifV1{}, true
	case TypeAssetMetadataV1, TypeAssetMetadataBackfillV1:
		return &AssetMetadataV1{}, true
	case TypeAssetMetadataDeleteV1:
		return &AssetMetadataDeleteV1{}, true
	case TypeAlbumV1:
		return &AlbumV1{}, true
	case TypeAlbumDeleteV1:
		return &AlbumDeleteV1{}, true
	case TypeAlbumUserV1, TypeAlbumUserBackfillV1:
		return &AlbumUserV1{}, true
	case TypeAlbumUserDeleteV1:
		return &AlbumUserDeleteV1{}, true
	case TypeAlbumAssetV1, TypeAlbumAssetBackfillV1:
		return &AlbumAssetV1{}, true
	case TypeAlbumAssetDeleteV1:
		return &AlbumAssetDeleteV1{}, true
	case TypeMemoryV1:
		return &MemoryV1{}, true
	case TypeMemoryDeleteV1:
		return &MemoryDeleteV1{}, true
	case TypeMemoryAssetV1:
		return &MemoryAssetV1{}, true
	case TypeMemoryAssetDeleteV1:
		return &MemoryAssetDeleteV1{}, true
	case TypeStackV1, TypeStackBackfillV1:
		return &StackV1{}, true
	case TypeStackDeleteV1:
		return &StackDeleteV1{}, true
	case TypePersonV1:
		return &PersonV1{}, true
	case TypePersonDeleteV1:
		return &PersonDeleteV1{}, true
	case TypeAssetFaceV1:
		return &AssetFaceV1{}, true
	case TypeAssetFaceDeleteV1:
		return &AssetFaceDeleteV1{}, true
	case TypeUserMetadataV1:
		return &UserMetadataV1{}, true
	case TypeUserMetadataDeleteV1:
		return &UserMetadataDeleteV1{}, true
	case TypeSyncCompleteV1:
		return &SyncCompleteV1{}, true
	case TypeSyncResetV1:
		return &SyncResetV1{}, true
	default:
		return nil, false
	}
}

// UnmarshalPayload decodes a tagged record payload into its concrete variant.
func UnmarshalPayload(t EntityType, data json.RawMessage) (interface{}, error) {
	proto, ok := payloadPrototype(t)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if err := json.Unmarshal(data, proto); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return proto, nil
}
