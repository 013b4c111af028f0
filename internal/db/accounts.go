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

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const accountColumns = `address, display_name, legal_name, web, email, twitter, riot,
	is_verified, parent_address, sub_display, balance, risk_level, tags, notes,
	first_seen_block, last_seen_block, created_at, updated_at`

// UpsertAccount writes the last-known identity and balance for an
// address, bumping the updated_at watermark. first_seen_block is only
// lowered, last_seen_block only raised.
func (s *Store) UpsertAccount(ctx context.Context, a *models.Account) error {
	var tags []byte
	if len(a.Tags) > 0 {
		tags, _ = json.Marshal(a.Tags)
	}

	var display, legal, web, email, twitter, riot, parent, sub sql.NullString
	var verified bool
	if a.Identity != nil {
		display = nullable(a.Identity.Display)
		legal = nullable(a.Identity.Legal)
		web = nullable(a.Identity.Web)
		email = nullable(a.Identity.Email)
		twitter = nullable(a.Identity.Twitter)
		riot = nullable(a.Identity.Riot)
		parent = nullable(a.Identity.ParentAddress)
		sub = nullable(a.Identity.SubDisplay)
		verified = a.Identity.IsVerified
	}

	now := time.Now().Unix()
	balance := a.Balance
	if balance == "" {
		balance = "0"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (address, display_name, legal_name, web, email, twitter, riot,
			is_verified, parent_address, sub_display, balance, risk_level, tags, notes,
			first_seen_block, last_seen_block, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			display_name = excluded.display_name,
			legal_name   = excluded.legal_name,
			web          = excluded.web,
			email        = excluded.email,
			twitter      = excluded.twitter,
			riot         = excluded.riot,
			is_verified  = excluded.is_verified,
			parent_address = excluded.parent_address,
			sub_display  = excluded.sub_display,
			balance      = excluded.balance,
			risk_level   = COALESCE(excluded.risk_level, accounts.risk_level),
			tags         = COALESCE(excluded.tags, accounts.tags),
			notes        = COALESCE(NULLIF(excluded.notes, ''), accounts.notes),
			first_seen_block = CASE WHEN excluded.first_seen_block > 0 AND
				(accounts.first_seen_block = 0 OR excluded.first_seen_block < accounts.first_seen_block)
				THEN excluded.first_seen_block ELSE accounts.first_seen_block END,
			last_seen_block = MAX(accounts.last_seen_block, excluded.last_seen_block),
			updated_at   = excluded.updated_at`,
		a.Address, display, legal, web, email, twitter, riot,
		verified, parent, sub, balance, a.RiskLevel, nullBytes(tags), a.Notes,
		a.FirstSeenBlock, a.LastSeenBlock, now, now)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.Address, err)
	}
	return nil
}

// ensureAccountTx inserts a bare account row if the address has never
// been observed. Used inside the transfer-insert transaction.
func ensureAccountTx(ctx context.Context, tx *sql.Tx, address string, block int64) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (address, first_seen_block, last_seen_block, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			first_seen_block = CASE WHEN accounts.first_seen_block = 0 OR ? < accounts.first_seen_block
				THEN ? ELSE accounts.first_seen_block END,
			last_seen_block = MAX(accounts.last_seen_block, ?),
			updated_at = ?`,
		address, block, block, now, now, block, block, block, now)
	return err
}

// GetAccount fetches one account, or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, address string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM accounts WHERE address = ?", accountColumns), address)
	return scanAccount(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var display, legal, web, email, twitter, riot, parent, sub, tags, notes sql.NullString
	var verified bool
	var risk sql.NullInt64
	var created, updated int64

	err := row.Scan(&a.Address, &display, &legal, &web, &email, &twitter, &riot,
		&verified, &parent, &sub, &a.Balance, &risk, &tags, &notes,
		&a.FirstSeenBlock, &a.LastSeenBlock, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	if display.Valid || legal.Valid || parent.Valid || verified {
		a.Identity = &models.Identity{
			Display:       display.String,
			Legal:         legal.String,
			Web:           web.String,
			Email:         email.String,
			Twitter:       twitter.String,
			Riot:          riot.String,
			IsVerified:    verified,
			ParentAddress: parent.String,
			SubDisplay:    sub.String,
		}
	}
	if risk.Valid {
		r := int(risk.Int64)
		a.RiskLevel = &r
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &a.Tags)
	}
	a.Notes = notes.String
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return &a, nil
}

// SearchAccounts matches addresses by prefix and identities by
// substring, verified identities first, then by activity recency.
func (s *Store) SearchAccounts(ctx context.Context, query string, limit int) ([]models.Account, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM accounts
		WHERE address LIKE ? OR display_name LIKE ? OR legal_name LIKE ?
		ORDER BY is_verified DESC, last_seen_block DESC
		LIMIT ?`, accountColumns),
		query+"%", like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search accounts: %w", err)
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// SetRiskLevel records a freshly computed risk score. Scores only move
// up through this path; analyst overrides go through UpsertAccount.
func (s *Store) SetRiskLevel(ctx context.Context, address string, risk int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET risk_level = MAX(COALESCE(risk_level, 0), ?), updated_at = ?
		WHERE address = ?`,
		risk, time.Now().Unix(), address)
	if err != nil {
		return fmt.Errorf("set risk level: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
