package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
)

// Upsert writes a syncable row, stamping it with the next version token. The
// token update is part of the same statement as the business write, so a
// reader never observes the new payload under the old token.
//
// A stale tombstone for a recreated id is left in place: its token is older
// than the new row's, so delivery order still converges on the live row.
func (s *Store) Upsert(ctx context.Context, kind catalog.Kind, id, ownerID string, payload interface{}) (cursor.Token, error) {
	if err := s.checkOpen(); err != nil {
		return cursor.Zero, err
	}
	if !kind.Valid() {
		return cursor.Zero, fmt.Errorf("unknown entity kind %q", kind)
	}
	if id == "" || ownerID == "" {
		return cursor.Zero, fmt.Errorf("id and ownerID are required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return cursor.Zero, storageErr(opUpsert, err)
	}

	tok := s.clock.Next()
	query := `
        INSERT INTO entities (kind, id, owner_id, update_id, created_ms, payload)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(kind, id) DO UPDATE SET
            owner_id = excluded.owner_id,
            update_id = excluded.update_id,
            payload = excluded.payload`
	_, err = s.db.ExecContext(ctx, query, string(kind), id, ownerID, string(tok), s.now().UnixMilli(), string(data))
	if err != nil {
		return cursor.Zero, storageErr(opUpsert, err)
	}
	return tok, nil
}

// Delete removes a row from primary storage and records its tombstone in the
// same transaction, so no window exists where the row is gone but the
// deletion is untracked.
func (s *Store) Delete(ctx context.Context, kind catalog.Kind, id string) (cursor.Token, error) {
	if err := s.checkOpen(); err != nil {
		return cursor.Zero, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cursor.Zero, storageErr(opDelete, err)
	}
	defer tx.Rollback()

	var ownerID string
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id FROM entities WHERE kind = ? AND id = ?`, string(kind), id,
	).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return cursor.Zero, ErrNotFound
	}
	if err != nil {
		return cursor.Zero, storageErr(opDelete, err)
	}

	tok := s.clock.Next()
	_, err = tx.ExecContext(ctx, `
        INSERT INTO tombstones (kind, id, owner_id, token, deleted_ms)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(kind, id) DO UPDATE SET
            owner_id = excluded.owner_id,
            token = excluded.token,
            deleted_ms = excluded.deleted_ms`,
		string(kind), id, ownerID, string(tok), s.now().UnixMilli())
	if err != nil {
		return cursor.Zero, storageErr(opDelete, err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return cursor.Zero, storageErr(opDelete, err)
	}

	if err := tx.Commit(); err != nil {
		return cursor.Zero, storageErr(opDelete, err)
	}
	return tok, nil
}

// --- Typed write helpers. These encode the composite-key and scope-owner
// rules per kind, so the owning services have one place to get them right.

func (s *Store) UpsertUser(ctx context.Context, u catalog.UserV1) (cursor.Token, error) {
	return s.Upsert(ctx, catalog.KindUser, u.ID, u.ID, u)
}

func (s *Store) UpsertPartner(ctx context.Context, p catalog.PartnerV1) (cursor.Token, error) {
	id := catalog.JoinID(p.SharedByID, p.SharedWithID)
	return s.Upsert(ctx, catalog.KindPartner, id, p.SharedByID, p)
}

func (s *Store) UpsertAsset(ctx context.Context, a catalog.AssetV1) (cursor.Token, error) {
	return s.Upsert(ctx, catalog.KindAsset, a.ID, a.OwnerID, a)
}

func (s *Store) UpsertAssetExif(ctx context.Context, e catalog.AssetExifV1, ownerID string) (cursor.Token, error) {
	return s.Upsert(ctx, catalog.KindAssetExif, e.AssetID, ownerID, e)
}

func (s *Store) UpsertAssetMetadata(ctx context.Context, m catalog.AssetMetadataV1, ownerID string) (cursor.Token, error) {
	id := catalog.JoinID(m.AssetID, m.Key)
	return s.Upsert(ctx, catalog.KindAssetMetadata, id, ownerID, m)
}

func (s *Store) UpsertAlbum(ctx context.Context, a catalog.AlbumV1) (cursor.Token, error) {
	return s.Upsert(ctx, catalog.KindAlbum, a.ID, a.OwnerID, a)
}

func (s *Store) UpsertAlbumUser(ctx context.Context, au catalog.AlbumUserV1, albumOwnerID string) (cursor.Token, error) {
	id := catalog.JoinID(au.AlbumID, au.UserID)
	return s.Upsert(ctx, catalog.KindAlbumUser, id, albumOwnerID, au)
}

func (s *Store) UpsertAlbumAsset(ctx context.Context, aa catalog.AlbumAssetV1, albumOwnerID string) (cursor.Token, error) {
	id := catalog.JoinID(aa.AlbumID, aa.AssetID)
	return s.Upsert(ctx, catalog.KindAlbumAsset, id, albumOwnerID, aa)
}

func (s *Store) UpsertMemory(ctx context.Context, m catalog.MemoryV1) (cursor.Token, error) {
	return s.Upsert(ctx, catalog.KindMemory, m.ID, m.OwnerID, m)
}

func (s *Store) UpsertMemoryAsset(ctx context.Context, ma catalog.MemoryAssetV1, ownerID string) (cursor.Token, error) {
	id := catalog.JoinID(ma.MemoryID, ma.AssetID)
	return s.Upsert(ctx, catalog.KindMemoryAsset, id, ownerID, ma)
}

func (s *Store) UpsertStack(ctx context.Context, st catalog.StackV1) (cursor.Token, error) {
	return s.Upsert(ctx, catalog.KindStack, st.ID, st.OwnerID, st)
}

func (s *Store) UpsertPerson(ctx context.Context, p catalog.PersonV1) (cursor.Token, error) {
	return s.Upsert(ctx, catalog.KindPerson, p.ID, p.OwnerID, p)
}

func (s *Store) UpsertAssetFace(ctx context.Context, f catalog.AssetFaceV1, ownerID string) (cursor.Token, error) {
	return s.Upsert(ctx, catalog.KindAssetFace, f.ID, ownerID, f)
}

func (s *Store) UpsertUserMetadata(ctx context.Context, um catalog.UserMetadataV1) (cursor.Token, error) {
	id := catalog.JoinID(um.UserID, um.Key)
	return s.Upsert(ctx, catalog.KindUserMetadata, id, um.UserID, um)
}

// --- Read side ---

// scopeClause renders the visibility predicate as an OR across the scope's
// filters. An empty scope matches nothing rather than everything.
func scopeClause(scope catalog.Scope, args *[]interface{}) string {
	var clauses []string
	if len(scope.OwnerIDs) > 0 {
		placeholders := make([]string, len(scope.OwnerIDs))
		for i, owner := range scope.OwnerIDs {
			placeholders[i] = "?"
			*args = append(*args, owner)
		}
		clauses = append(clauses, "owner_id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(scope.IDs) > 0 {
		placeholders := make([]string, len(scope.IDs))
		for i, id := range scope.IDs {
			placeholders[i] = "?"
			*args = append(*args, id)
		}
		clauses = append(clauses, "id IN ("+strings.Join(placeholders, ", ")+")")
	}
	for _, prefix := range scope.IDPrefixes {
		clauses = append(clauses, "id LIKE ? || '/%'")
		*args = append(*args, prefix)
	}
	for _, suffix := range scope.IDSuffixes {
		clauses = append(clauses, "id LIKE '%/' || ?")
		*args = append(*args, suffix)
	}
	if len(clauses) == 0 {
		return "0 = 1"
	}
	return "(" + strings.Join(clauses, " OR ") + ")"
}

// ListChanged returns up to limit rows of the given kind whose version token
// is strictly greater than after, restricted to the scope, in token order.
// A zero token means "from the beginning" and doubles as the backfill scan.
func (s *Store) ListChanged(ctx context.Context, kind catalog.Kind, scope catalog.Scope, after cursor.Token, limit int) ([]catalog.ChangeRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	args := []interface{}{string(kind), string(after)}
	where := scopeClause(scope, &args)
	args = append(args, limit)

	query := `SELECT id, owner_id, update_id, payload FROM entities
        WHERE kind = ? AND update_id > ? AND ` + where + `
        ORDER BY update_id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(opListChanged, err)
	}
	defer rows.Close()

	var out []catalog.ChangeRow
	for rows.Next() {
		var row catalog.ChangeRow
		var token, payload string
		if err := rows.Scan(&row.ID, &row.OwnerID, &token, &payload); err != nil {
			return nil, storageErr(opListChanged, err)
		}
		row.Kind = kind
		row.Token = cursor.Token(token)
		row.Payload = json.RawMessage(payload)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(opListChanged, err)
	}
	return out, nil
}

// PartnerSharerIDs returns the users currently sharing their library with
// userID.
func (s *Store) PartnerSharerIDs(ctx context.Context, userID string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id FROM entities WHERE kind = ? AND id LIKE '%/' || ? ORDER BY owner_id`,
		string(catalog.KindPartner), userID)
	if err != nil {
		return nil, storageErr("sqlite.PartnerSharerIDs", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// VisibleAlbumIDs returns the albums userID owns plus those they are a
// member of.
func (s *Store) VisibleAlbumIDs(ctx context.Context, userID string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id FROM entities WHERE kind = ? AND owner_id = ?
        UNION
        SELECT substr(id, 1, instr(id, '/') - 1) FROM entities WHERE kind = ? AND id LIKE '%/' || ?
        ORDER BY 1`,
		string(catalog.KindAlbum), userID,
		string(catalog.KindAlbumUser), userID)
	if err != nil {
		return nil, storageErr("sqlite.VisibleAlbumIDs", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// PartnersAddedSince returns partner rows naming userID as the recipient
// whose token is newer than after. The backfill resolver uses this to detect
// partnership transitions the checkpoint path cannot see.
func (s *Store) PartnersAddedSince(ctx context.Context, userID string, after cursor.Token) ([]catalog.ChangeRow, error) {
	return s.relationshipRowsSince(ctx, catalog.KindPartner, userID, after)
}

// AlbumMembershipsAddedSince returns album_user rows naming userID whose
// token is newer than after.
func (s *Store) AlbumMembershipsAddedSince(ctx context.Context, userID string, after cursor.Token) ([]catalog.ChangeRow, error) {
	return s.relationshipRowsSince(ctx, catalog.KindAlbumUser, userID, after)
}

func (s *Store) relationshipRowsSince(ctx context.Context, kind catalog.Kind, userID string, after cursor.Token) ([]catalog.ChangeRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, owner_id, update_id, payload FROM entities
        WHERE kind = ? AND id LIKE '%/' || ? AND update_id > ?
        ORDER BY update_id ASC`,
		string(kind), userID, string(after))
	if err != nil {
		return nil, storageErr("sqlite.relationshipRowsSince", err)
	}
	defer rows.Close()

	var out []catalog.ChangeRow
	for rows.Next() {
		var row catalog.ChangeRow
		var token, payload string
		if err := rows.Scan(&row.ID, &row.OwnerID, &token, &payload); err != nil {
			return nil, storageErr("sqlite.relationshipRowsSince", err)
		}
		row.Kind = kind
		row.Token = cursor.Token(token)
		row.Payload = json.RawMessage(payload)
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
