package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/polkatrace/graph-engine/pkg/models"
)

// InsertTransfer persists one transfer and updates transfer_stats and
// account_stats in the same transaction, so aggregates always match
// the transfer table at any consistent snapshot. Re-inserting the same
// (transaction_hash, event_index) is a complete no-op.
func (s *Store) InsertTransfer(ctx context.Context, t *models.Transfer) error {
	if t.FromAddress == t.ToAddress {
		return fmt.Errorf("self-transfer rejected: %s", t.FromAddress)
	}
	if v := bigFrom(t.Amount); v.Sign() <= 0 {
		return fmt.Errorf("non-positive amount rejected: %q", t.Amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Accounts are created on first observation.
	if err := ensureAccountTx(ctx, tx, t.FromAddress, t.BlockNumber); err != nil {
		return fmt.Errorf("ensure from-account: %w", err)
	}
	if err := ensureAccountTx(ctx, tx, t.ToAddress, t.BlockNumber); err != nil {
		return fmt.Errorf("ensure to-account: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO transfers
			(block_number, block_timestamp, from_address, to_address, amount, transaction_hash, event_index)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.BlockNumber, t.BlockTimestamp, t.FromAddress, t.ToAddress,
		t.Amount, nullable(t.TransactionHash), t.EventIndex)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate (hash, event_index): aggregates stay untouched.
		return tx.Commit()
	}

	if err := updateTransferStatsTx(ctx, tx, t); err != nil {
		return fmt.Errorf("update transfer_stats: %w", err)
	}
	if err := updateAccountStatsTx(ctx, tx, t.FromAddress); err != nil {
		return fmt.Errorf("update account_stats (from): %w", err)
	}
	if err := updateAccountStatsTx(ctx, tx, t.ToAddress); err != nil {
		return fmt.Errorf("update account_stats (to): %w", err)
	}

	return tx.Commit()
}

// updateTransferStatsTx folds one transfer into the (from, to) pair
// aggregate. Big-integer addition happens Go-side: SQLite's integers
// cap at 64 bits.
func updateTransferStatsTx(ctx context.Context, tx *sql.Tx, t *models.Transfer) error {
	var total string
	var count int64
	var firstBlock, lastBlock, firstTs, lastTs int64

	err := tx.QueryRowContext(ctx, `
		SELECT total_amount, transfer_count, first_transfer_block, last_transfer_block,
		       first_transfer_ts, last_transfer_ts
		FROM transfer_stats WHERE from_address = ? AND to_address = ?`,
		t.FromAddress, t.ToAddress).
		Scan(&total, &count, &firstBlock, &lastBlock, &firstTs, &lastTs)
	switch err {
	case nil:
	case sql.ErrNoRows:
		total, count = "0", 0
		firstBlock, firstTs = t.BlockNumber, t.BlockTimestamp
	default:
		return err
	}

	total = bigAdd(total, t.Amount)
	count++
	if t.BlockNumber < firstBlock || firstBlock == 0 {
		firstBlock = t.BlockNumber
	}
	if t.BlockNumber > lastBlock {
		lastBlock = t.BlockNumber
	}
	if t.BlockTimestamp < firstTs || firstTs == 0 {
		firstTs = t.BlockTimestamp
	}
	if t.BlockTimestamp > lastTs {
		lastTs = t.BlockTimestamp
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transfer_stats
			(from_address, to_address, total_amount, transfer_count,
			 first_transfer_block, last_transfer_block, first_transfer_ts, last_transfer_ts, avg_amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_address, to_address) DO UPDATE SET
			total_amount = excluded.total_amount,
			transfer_count = excluded.transfer_count,
			first_transfer_block = excluded.first_transfer_block,
			last_transfer_block = excluded.last_transfer_block,
			first_transfer_ts = excluded.first_transfer_ts,
			last_transfer_ts = excluded.last_transfer_ts,
			avg_amount = excluded.avg_amount`,
		t.FromAddress, t.ToAddress, total, count,
		firstBlock, lastBlock, firstTs, lastTs, bigDivInt(total, count))
	return err
}

// updateAccountStatsTx recomputes the per-address aggregate from the
// transfer table. Counts and distinct-counterparty queries ride the
// (from_address, block_number) / (to_address, block_number) indexes.
func updateAccountStatsTx(ctx context.Context, tx *sql.Tx, address string) error {
	var sendCount, recvCount, uniqueReceivers, uniqueSenders int64
	var firstBlock, lastBlock sql.NullInt64

	err := tx.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM transfers WHERE from_address = ?1),
			(SELECT COUNT(*) FROM transfers WHERE to_address = ?1),
			(SELECT COUNT(DISTINCT to_address) FROM transfers WHERE from_address = ?1),
			(SELECT COUNT(DISTINCT from_address) FROM transfers WHERE to_address = ?1),
			(SELECT MIN(block_number) FROM transfers WHERE from_address = ?1 OR to_address = ?1),
			(SELECT MAX(block_number) FROM transfers WHERE from_address = ?1 OR to_address = ?1)`,
		address).
		Scan(&sendCount, &recvCount, &uniqueReceivers, &uniqueSenders, &firstBlock, &lastBlock)
	if err != nil {
		return err
	}

	// Totals need big-integer sums, which SQL cannot do over TEXT.
	totalSent, err := sumAmountsTx(ctx, tx, "from_address", address)
	if err != nil {
		return err
	}
	totalReceived, err := sumAmountsTx(ctx, tx, "to_address", address)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_stats
			(address, total_received, total_sent, receive_count, send_count,
			 unique_senders, unique_receivers, first_activity_block, last_activity_block)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			total_received = excluded.total_received,
			total_sent = excluded.total_sent,
			receive_count = excluded.receive_count,
			send_count = excluded.send_count,
			unique_senders = excluded.unique_senders,
			unique_receivers = excluded.unique_receivers,
			first_activity_block = excluded.first_activity_block,
			last_activity_block = excluded.last_activity_block`,
		address, totalReceived, totalSent, recvCount, sendCount,
		uniqueSenders, uniqueReceivers, firstBlock.Int64, lastBlock.Int64)
	return err
}

func sumAmountsTx(ctx context.Context, tx *sql.Tx, column, address string) (string, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT amount FROM transfers WHERE %s = ?", column), address)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	total := "0"
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return "", err
		}
		total = bigAdd(total, amount)
	}
	return total, rows.Err()
}

// ListTransfers pages through the transfers touching an address, most
// recent first, annotating direction and counterparty relative to it.
func (s *Store) ListTransfers(ctx context.Context, address string, limit, offset int) ([]models.Transfer, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, block_number, block_timestamp, from_address, to_address,
		       amount, COALESCE(transaction_hash, ''), event_index
		FROM transfers
		WHERE from_address = ?1 OR to_address = ?1
		ORDER BY block_number DESC, event_index DESC
		LIMIT ?2 OFFSET ?3`,
		address, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := []models.Transfer{}
	for rows.Next() {
		var t models.Transfer
		if err := rows.Scan(&t.ID, &t.BlockNumber, &t.BlockTimestamp, &t.FromAddress,
			&t.ToAddress, &t.Amount, &t.TransactionHash, &t.EventIndex); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		if t.FromAddress == address {
			t.Direction = "sent"
			t.Counterparty = t.ToAddress
		} else {
			t.Direction = "received"
			t.Counterparty = t.FromAddress
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// OutgoingTransfers returns the most recent outgoing transfers for an
// address ordered by timestamp ascending, feeding the rapid-sequential
// and round-number detectors.
func (s *Store) OutgoingTransfers(ctx context.Context, address string, limit int) ([]models.Transfer, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_number, block_timestamp, to_address, amount
		FROM (
			SELECT block_number, block_timestamp, to_address, amount
			FROM transfers WHERE from_address = ?
			ORDER BY block_timestamp DESC LIMIT ?
		) ORDER BY block_timestamp ASC`,
		address, limit)
	if err != nil {
		return nil, fmt.Errorf("outgoing transfers: %w", err)
	}
	defer rows.Close()

	transfers := []models.Transfer{}
	for rows.Next() {
		t := models.Transfer{FromAddress: address}
		if err := rows.Scan(&t.BlockNumber, &t.BlockTimestamp, &t.ToAddress, &t.Amount); err != nil {
			return nil, fmt.Errorf("scan outgoing transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// TransferTimeRange returns the earliest and latest transfer timestamps
// among the given addresses, for graph metadata.
func (s *Store) TransferTimeRange(ctx context.Context, addresses []string) (earliest, latest int64, err error) {
	if len(addresses) == 0 {
		return 0, 0, nil
	}
	placeholders, args := inClause(addresses)
	var lo, hi sql.NullInt64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MIN(block_timestamp), MAX(block_timestamp)
		FROM transfers
		WHERE from_address IN (%[1]s) OR to_address IN (%[1]s)`, placeholders),
		append(args, args...)...).
		Scan(&lo, &hi)
	if err != nil {
		return 0, 0, fmt.Errorf("transfer time range: %w", err)
	}
	return lo.Int64, hi.Int64, nil
}

func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	placeholders := ""
	for i, v := range values {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = v
	}
	return placeholders, args
}
