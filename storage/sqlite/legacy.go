package sqlite

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
)

const (
	opLegacyPage    = "sqlite.LegacyAssetPage"
	opLegacyChanged = "sqlite.LegacyChangedAssets"
	opLegacyDeleted = "sqlite.LegacyDeletedAssetIDs"
)

// LegacyAssetPage returns the next page of assets for the bounded-pagination
// protocol: rows with id greater than lastID, created at or before until,
// owned by any of ownerIDs, ordered by id.
func (s *Store) LegacyAssetPage(ctx context.Context, ownerIDs []string, lastID string, until time.Time, limit int) ([]catalog.ChangeRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(ownerIDs) == 0 {
		return nil, nil
	}

	args := []interface{}{string(catalog.KindAsset), lastID, until.UnixMilli()}
	placeholders := make([]string, len(ownerIDs))
	for i, owner := range ownerIDs {
		placeholders[i] = "?"
		args = append(args, owner)
	}
	args = append(args, limit)

	query := `SELECT id, owner_id, update_id, payload FROM entities
        WHERE kind = ? AND id > ? AND created_ms <= ?
          AND owner_id IN (` + strings.Join(placeholders, ", ") + `)
        ORDER BY id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(opLegacyPage, err)
	}
	defer rows.Close()

	var out []catalog.ChangeRow
	for rows.Next() {
		var row catalog.ChangeRow
		var token, payload string
		if err := rows.Scan(&row.ID, &row.OwnerID, &token, &payload); err != nil {
			return nil, storageErr(opLegacyPage, err)
		}
		row.Kind = catalog.KindAsset
		row.Token = cursor.Token(token)
		row.Payload = json.RawMessage(payload)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(opLegacyPage, err)
	}
	return out, nil
}

// LegacyChangedAssets returns every asset of the given owners upserted after
// the timestamp. The wall-clock bound maps onto the token order via the
// smallest token at that instant.
func (s *Store) LegacyChangedAssets(ctx context.Context, ownerIDs []string, updatedAfter time.Time) ([]catalog.ChangeRow, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}
	rows, err := s.ListChanged(ctx, catalog.KindAsset, catalog.ByOwners(ownerIDs...), cursor.AtTime(updatedAfter), legacyDeltaCap)
	if err != nil {
		return nil, storageErr(opLegacyChanged, err)
	}
	return rows, nil
}

// legacyDeltaCap bounds a delta response; beyond it clients should be doing
// a paged full sync anyway.
const legacyDeltaCap = 100_000

// LegacyDeletedAssetIDs returns the ids of assets tombstoned after the
// timestamp for the given owners.
func (s *Store) LegacyDeletedAssetIDs(ctx context.Context, ownerIDs []string, updatedAfter time.Time) ([]string, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}
	tombs, err := s.ListTombstones(ctx, catalog.KindAsset, catalog.ByOwners(ownerIDs...), cursor.AtTime(updatedAfter), legacyDeltaCap)
	if err != nil {
		return nil, storageErr(opLegacyDeleted, err)
	}
	ids := make([]string, len(tombs))
	for i, tomb := range tombs {
		ids[i] = tomb.ID
	}
	return ids, nil
}
