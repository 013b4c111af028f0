package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/polkatrace/graph-engine/pkg/models"
)

// SyncState is the coarse ingest bookkeeping row.
type SyncState struct {
	LastProcessedBlock int64     `json:"lastProcessedBlock"`
	LastSyncTimestamp  time.Time `json:"lastSyncTimestamp"`
	IsSyncing          bool      `json:"isSyncing"`
}

// GetSyncState reads the singleton sync row.
func (s *Store) GetSyncState(ctx context.Context) (*SyncState, error) {
	var st SyncState
	var ts int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_processed_block, last_sync_timestamp, is_syncing FROM sync_state WHERE id = 1").
		Scan(&st.LastProcessedBlock, &ts, &st.IsSyncing)
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	st.LastSyncTimestamp = time.Unix(ts, 0).UTC()
	return &st, nil
}

// SetSyncState updates the singleton sync row.
func (s *Store) SetSyncState(ctx context.Context, lastBlock int64, syncing bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_state SET last_processed_block = ?, last_sync_timestamp = ?, is_syncing = ?
		WHERE id = 1`,
		lastBlock, time.Now().Unix(), syncing)
	if err != nil {
		return fmt.Errorf("set sync state: %w", err)
	}
	return nil
}

// SaveIndexerState persists the resumable-ingestion checkpoint blob.
func (s *Store) SaveIndexerState(ctx context.Context, st *models.IndexerState) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode indexer state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO indexer_state (id, state) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state`, string(blob))
	if err != nil {
		return fmt.Errorf("save indexer state: %w", err)
	}
	return nil
}

// LoadIndexerState restores the checkpoint, or ErrNotFound on a fresh
// database.
func (s *Store) LoadIndexerState(ctx context.Context) (*models.IndexerState, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM indexer_state WHERE id = 1").Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load indexer state: %w", err)
	}
	var st models.IndexerState
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return nil, fmt.Errorf("decode indexer state: %w", err)
	}
	return &st, nil
}

// SaveInvestigation persists an analyst case.
func (s *Store) SaveInvestigation(ctx context.Context, inv *models.Investigation) error {
	addresses, err := json.Marshal(inv.Addresses)
	if err != nil {
		return fmt.Errorf("encode investigation addresses: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO investigations (id, title, notes, addresses, findings, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			notes = excluded.notes,
			addresses = excluded.addresses,
			findings = excluded.findings,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		inv.ID, inv.Title, inv.Notes, string(addresses), inv.Findings, inv.Status,
		inv.CreatedAt.Unix(), inv.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save investigation: %w", err)
	}
	return nil
}

// GetInvestigation fetches a saved case by id, or ErrNotFound.
func (s *Store) GetInvestigation(ctx context.Context, id string) (*models.Investigation, error) {
	var inv models.Investigation
	var addresses string
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(notes, ''), addresses, COALESCE(findings, ''), status, created_at, updated_at
		FROM investigations WHERE id = ?`, id).
		Scan(&inv.ID, &inv.Title, &inv.Notes, &addresses, &inv.Findings, &inv.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get investigation: %w", err)
	}
	if err := json.Unmarshal([]byte(addresses), &inv.Addresses); err != nil {
		return nil, fmt.Errorf("decode investigation addresses: %w", err)
	}
	inv.CreatedAt = time.Unix(created, 0).UTC()
	inv.UpdatedAt = time.Unix(updated, 0).UTC()
	return &inv, nil
}

// ListInvestigations returns saved cases, most recently updated first.
func (s *Store) ListInvestigations(ctx context.Context, limit int) ([]models.Investigation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, COALESCE(notes, ''), addresses, COALESCE(findings, ''), status, created_at, updated_at
		FROM investigations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list investigations: %w", err)
	}
	defer rows.Close()

	out := []models.Investigation{}
	for rows.Next() {
		var inv models.Investigation
		var addresses string
		var created, updated int64
		if err := rows.Scan(&inv.ID, &inv.Title, &inv.Notes, &addresses, &inv.Findings,
			&inv.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan investigation: %w", err)
		}
		_ = json.Unmarshal([]byte(addresses), &inv.Addresses)
		inv.CreatedAt = time.Unix(created, 0).UTC()
		inv.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, inv)
	}
	return out, rows.Err()
}
