package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/photofold/sync-engine/catalog"
	"github.com/photofold/sync-engine/cursor"
)

const (
	opCreateSession = "sqlite.CreateSession"
	opDeleteSession = "sqlite.DeleteSession"
	opGetAcks       = "sqlite.GetAcks"
	opAckBatch      = "sqlite.AckBatch"
	opReset         = "sqlite.ResetCheckpoints"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("sync session not found")

// CreateSession registers a sync session for a device login. Creating an
// existing session id is a no-op.
func (s *Store) CreateSession(ctx context.Context, sessionID, userID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_sessions (id, user_id, created_ms) VALUES (?, ?, ?)
        ON CONFLICT(id) DO NOTHING`,
		sessionID, userID, s.now().UnixMilli())
	return storageErr(opCreateSession, err)
}

// SessionUser returns the user a session belongs to.
func (s *Store) SessionUser(ctx context.Context, sessionID string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM sync_sessions WHERE id = ?`, sessionID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", storageErr(opGetAcks, err)
	}
	return userID, nil
}

// DeleteSession removes a session and all of its checkpoints.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(opDeleteSession, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return storageErr(opDeleteSession, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_sessions WHERE id = ?`, sessionID); err != nil {
		return storageErr(opDeleteSession, err)
	}
	return storageErr(opDeleteSession, tx.Commit())
}

// GetAcks returns the committed cursor per entity type for a session. Types
// never acked are absent.
func (s *Store) GetAcks(ctx context.Context, sessionID string) (map[catalog.EntityType]cursor.Token, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, ack FROM sync_checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, storageErr(opGetAcks, err)
	}
	defer rows.Close()

	acks := make(map[catalog.EntityType]cursor.Token)
	for rows.Next() {
		var entityType, ack string
		if err := rows.Scan(&entityType, &ack); err != nil {
			return nil, storageErr(opGetAcks, err)
		}
		acks[catalog.EntityType(entityType)] = cursor.Token(ack)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(opGetAcks, err)
	}
	return acks, nil
}

// AckBatch durably commits client progress. The whole batch lands in one
// transaction; per type the stored cursor only ever advances — a stale or
// duplicate ack is a silent no-op, so retried and out-of-order acks cannot
// move a checkpoint backwards.
func (s *Store) AckBatch(ctx context.Context, sessionID string, items []catalog.AckItem) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(opAckBatch, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO sync_checkpoints (session_id, entity_type, ack, updated_ms)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(session_id, entity_type) DO UPDATE SET
            ack = excluded.ack,
            updated_ms = excluded.updated_ms
        WHERE excluded.ack > sync_checkpoints.ack`)
	if err != nil {
		return storageErr(opAckBatch, err)
	}
	defer stmt.Close()

	nowMS := s.now().UnixMilli()
	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, sessionID, string(item.Type), string(item.Ack), nowMS); err != nil {
			return storageErr(opAckBatch, err)
		}
	}
	return storageErr(opAckBatch, tx.Commit())
}

// ResetCheckpoints deletes checkpoints for the given types, or all of the
// session's checkpoints when no types are given. Resetting a type with no
// checkpoint is a no-op success. The delete runs in one transaction so a
// racing ack observes either all targeted types reset or none.
func (s *Store) ResetCheckpoints(ctx context.Context, sessionID string, types ...catalog.EntityType) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if len(types) == 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM sync_checkpoints WHERE session_id = ?`, sessionID)
		return storageErr(opReset, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(opReset, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`DELETE FROM sync_checkpoints WHERE session_id = ? AND entity_type = ?`)
	if err != nil {
		return storageErr(opReset, err)
	}
	defer stmt.Close()

	for _, t := range types {
		if _, err := stmt.ExecContext(ctx, sessionID, string(t)); err != nil {
			return storageErr(opReset, err)
		}
	}
	return storageErr(opReset, tx.Commit())
}
