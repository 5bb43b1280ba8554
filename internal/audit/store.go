// Copyright 2025 The mcpdesk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package audit persists a durable trail of lifecycle transitions for
// diagnostics, independent of the bounded in-memory history.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one persisted transition.
type Record struct {
	ID        string            `json:"id"`
	ServerID  string            `json:"serverId"`
	Event     string            `json:"event"`
	FromState string            `json:"fromState"`
	ToState   string            `json:"toState"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Store is a sqlite-backed audit trail.
type Store struct {
	db *sql.DB
}

// Open creates or opens the audit database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// sqlite allows one writer at a time.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		event TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		metadata TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_server ON transitions(server_id, timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate audit db: %w", err)
	}
	return nil
}

// Append records one transition.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	var metadata []byte
	if len(rec.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (id, server_id, event, from_state, to_state, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ServerID, rec.Event, rec.FromState, rec.ToState, metadata, rec.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// History returns the most recent transitions for a server, newest first.
// A limit of 0 means 100.
func (s *Store) History(ctx context.Context, serverID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, event, from_state, to_state, metadata, timestamp
		 FROM transitions WHERE server_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var metadata sql.NullString
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.ServerID, &rec.Event, &rec.FromState, &rec.ToState, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("parse audit metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune deletes records older than the cutoff.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transitions WHERE timestamp < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune audit records: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
