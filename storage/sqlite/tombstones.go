package sqlite

import (
	"context"
	"time"

	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
)

// ListTombstones returns up to limit deletions of the given kind with token
// strictly greater than after, restricted to the scope, in token order.
//
// Tombstones are scoped by the owner recorded at deletion time. For album-
// scoped kinds the scope may over-match (a client can receive a delete for a
// row it never saw); that is harmless under idempotent application and
// preferable to missing a delete.
func (s *Store) ListTombstones(ctx context.Context, kind catalog.Kind, scope catalog.Scope, after cursor.Token, limit int) ([]catalog.TombstoneRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	args := []interface{}{string(kind), string(after)}
	where := scopeClause(scope, &args)
	args = append(args, limit)

	query := `SELECT id, owner_id, token, deleted_ms FROM tombstones
        WHERE kind = ? AND token > ? AND ` + where + `
        ORDER BY token ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(opListTombstones, err)
	}
	defer rows.Close()

	var out []catalog.TombstoneRow
	for rows.Next() {
		var row catalog.TombstoneRow
		var token string
		var deletedMS int64
		if err := rows.Scan(&row.ID, &row.OwnerID, &token, &deletedMS); err != nil {
			return nil, storageErr(opListTombstones, err)
		}
		row.Kind = kind
		row.Token = cursor.Token(token)
		row.DeletedAt = time.UnixMilli(deletedMS).UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(opListTombstones, err)
	}
	return out, nil
}

// PurgeTombstones drops tombstones deleted before the cutoff. Sessions whose
// cursor predates the purged window are forced through Reset by the emitter's
// horizon check, so nothing silently loses a deletion.
func (s *Store) PurgeTombstones(ctx context.Context, before time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tombstones WHERE deleted_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, storageErr(opPurgeTombstones, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(opPurgeTombstones, err)
	}
	return n, nil
}
