// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olmmachine

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Pickles are base64 text, encrypted with the pickle key.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS olm_account (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	user_id       TEXT NOT NULL,
	device_id     TEXT NOT NULL,
	pickle        TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS olm_sessions (
	identity_key TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	pickle       TEXT NOT NULL,
	last_used_ms INTEGER NOT NULL,
	PRIMARY KEY (identity_key, session_id)
);

CREATE TABLE IF NOT EXISTS megolm_sessions (
	room_id           TEXT NOT NULL,
	session_id        TEXT NOT NULL,
	sender_key        TEXT NOT NULL,
	pickle            TEXT NOT NULL,
	first_known_index INTEGER NOT NULL,
	forwarded         INTEGER NOT NULL,
	imported_at_ms    INTEGER NOT NULL,
	PRIMARY KEY (room_id, session_id)
);
`

type accountRow struct {
	userID   string
	deviceID string
	pickle   string
}

type olmSessionRow struct {
	identityKey string
	pickle      string
}

type megolmSessionRow struct {
	senderKey string
	pickle    string
	forwarded bool
}

func (m *Machine) loadAccount(ctx context.Context) (*accountRow, error) {
	var found *accountRow
	err := m.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT user_id, device_id, pickle FROM olm_account WHERE id = 1`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = &accountRow{
						userID:   stmt.ColumnText(0),
						deviceID: stmt.ColumnText(1),
						pickle:   stmt.ColumnText(2),
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("olmmachine: loading account: %w", err)
	}
	return found, nil
}

// saveAccount must be called with m.mu held.
func (m *Machine) saveAccount(ctx context.Context) error {
	pickle, err := m.account.Pickle(m.pickleKey.Bytes())
	if err != nil {
		return fmt.Errorf("olmmachine: pickling account: %w", err)
	}
	err = m.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO olm_account (id, user_id, device_id, pickle, updated_at_ms)
			 VALUES (1, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				pickle        = excluded.pickle,
				updated_at_ms = excluded.updated_at_ms`,
			&sqlitex.ExecOptions{
				Args: []any{m.userID.String(), m.deviceID.String(), string(pickle), m.clock.Now().UnixMilli()},
			})
	})
	if err != nil {
		return fmt.Errorf("olmmachine: saving account: %w", err)
	}
	return nil
}

// loadOlmSessions returns every stored Olm session, most recently
// used first.
func (m *Machine) loadOlmSessions(ctx context.Context) ([]olmSessionRow, error) {
	var rows []olmSessionRow
	err := m.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT identity_key, pickle FROM olm_sessions ORDER BY last_used_ms DESC`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					rows = append(rows, olmSessionRow{
						identityKey: stmt.ColumnText(0),
						pickle:      stmt.ColumnText(1),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("olmmachine: loading olm sessions: %w", err)
	}
	return rows, nil
}

func (m *Machine) saveOlmSession(ctx context.Context, identityKey string, sessionID string, pickle []byte) error {
	err := m.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO olm_sessions (identity_key, session_id, pickle, last_used_ms)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (identity_key, session_id) DO UPDATE SET
				pickle       = excluded.pickle,
				last_used_ms = excluded.last_used_ms`,
			&sqlitex.ExecOptions{
				Args: []any{identityKey, sessionID, string(pickle), m.clock.Now().UnixMilli()},
			})
	})
	if err != nil {
		return fmt.Errorf("olmmachine: saving olm session %s: %w", sessionID, err)
	}
	return nil
}

func (m *Machine) loadMegolmSession(ctx context.Context, roomID, sessionID string) (*megolmSessionRow, error) {
	var found *megolmSessionRow
	err := m.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT sender_key, pickle, forwarded FROM megolm_sessions
			 WHERE room_id = ? AND session_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{roomID, sessionID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = &megolmSessionRow{
						senderKey: stmt.ColumnText(0),
						pickle:    stmt.ColumnText(1),
						forwarded: stmt.ColumnInt64(2) != 0,
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("olmmachine: loading megolm session %s: %w", sessionID, err)
	}
	return found, nil
}

func (m *Machine) saveMegolmSession(ctx context.Context, roomID, sessionID, senderKey string, pickle []byte, firstKnownIndex uint32, forwarded bool) error {
	err := m.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO megolm_sessions (
				room_id, session_id, sender_key, pickle, first_known_index, forwarded, imported_at_ms
			 ) VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (room_id, session_id) DO UPDATE SET
				sender_key        = excluded.sender_key,
				pickle            = excluded.pickle,
				first_known_index = excluded.first_known_index,
				forwarded         = excluded.forwarded,
				imported_at_ms    = excluded.imported_at_ms`,
			&sqlitex.ExecOptions{
				Args: []any{roomID, sessionID, senderKey, string(pickle), int64(firstKnownIndex), forwarded, m.clock.Now().UnixMilli()},
			})
	})
	if err != nil {
		return fmt.Errorf("olmmachine: saving megolm session %s: %w", sessionID, err)
	}
	return nil
}
