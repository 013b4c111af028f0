package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/polkatrace/graph-engine/pkg/models"
)

// GetAccountStats fetches the per-address aggregate, or ErrNotFound.
func (s *Store) GetAccountStats(ctx context.Context, address string) (*models.AccountStats, error) {
	var st models.AccountStats
	err := s.db.QueryRowContext(ctx, `
		SELECT address, total_received, total_sent, receive_count, send_count,
		       unique_senders, unique_receivers, first_activity_block, last_activity_block,
		       suspicious_pattern_count, high_risk_interaction_count
		FROM account_stats WHERE address = ?`, address).
		Scan(&st.Address, &st.TotalReceived, &st.TotalSent, &st.ReceiveCount, &st.SendCount,
			&st.UniqueSenders, &st.UniqueReceivers, &st.FirstActivityBlock, &st.LastActivityBlock,
			&st.SuspiciousPatternCount, &st.HighRiskInteractionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account stats: %w", err)
	}
	return &st, nil
}

// RecordSuspiciousPatterns bumps the pattern counters after an
// analysis run flags an address.
func (s *Store) RecordSuspiciousPatterns(ctx context.Context, address string, patterns, highRisk int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE account_stats SET
			suspicious_pattern_count = suspicious_pattern_count + ?,
			high_risk_interaction_count = high_risk_interaction_count + ?
		WHERE address = ?`, patterns, highRisk, address)
	if err != nil {
		return fmt.Errorf("record suspicious patterns: %w", err)
	}
	return nil
}

// GetTransferStats fetches the directed pair aggregate, or ErrNotFound.
func (s *Store) GetTransferStats(ctx context.Context, from, to string) (*models.TransferStats, error) {
	var st models.TransferStats
	err := s.db.QueryRowContext(ctx, `
		SELECT from_address, to_address, total_amount, transfer_count,
		       first_transfer_block, last_transfer_block, avg_amount
		FROM transfer_stats WHERE from_address = ? AND to_address = ?`, from, to).
		Scan(&st.FromAddress, &st.ToAddress, &st.TotalAmount, &st.TransferCount,
			&st.FirstTransferBlock, &st.LastTransferBlock, &st.AvgAmount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer stats: %w", err)
	}
	return &st, nil
}

// StoredRelationships aggregates both directions of transfer_stats
// into counterparty rows sorted by combined volume. This is the fast
// path behind the relationships endpoint; the upstream client covers
// addresses the store has never ingested.
func (s *Store) StoredRelationships(ctx context.Context, address string, limit int, minVolume *big.Int) ([]models.Relationship, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_address, to_address, total_amount, transfer_count,
		       first_transfer_block, last_transfer_block
		FROM transfer_stats
		WHERE from_address = ?1 OR to_address = ?1`, address)
	if err != nil {
		return nil, fmt.Errorf("stored relationships: %w", err)
	}
	defer rows.Close()

	type agg struct {
		sent, received *big.Int
		count          int64
		first, last    int64
	}
	byPeer := make(map[string]*agg)
	for rows.Next() {
		var from, to, amount string
		var count, first, last int64
		if err := rows.Scan(&from, &to, &amount, &count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan relationship row: %w", err)
		}
		peer, outgoing := to, true
		if to == address {
			peer, outgoing = from, false
		}
		a, ok := byPeer[peer]
		if !ok {
			a = &agg{sent: new(big.Int), received: new(big.Int), first: first}
			byPeer[peer] = a
		}
		v := bigFrom(amount)
		if outgoing {
			a.sent.Add(a.sent, v)
		} else {
			a.received.Add(a.received, v)
		}
		a.count += count
		if first < a.first {
			a.first = first
		}
		if last > a.last {
			a.last = last
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rels := make([]models.Relationship, 0, len(byPeer))
	for peer, a := range byPeer {
		total := new(big.Int).Add(a.sent, a.received)
		if minVolume != nil && total.Cmp(minVolume) < 0 {
			continue
		}
		rels = append(rels, models.Relationship{
			Address:        peer,
			TotalVolume:    total.String(),
			SentVolume:     a.sent.String(),
			ReceivedVolume: a.received.String(),
			TransferCount:  a.count,
			FirstBlock:     a.first,
			LastBlock:      a.last,
			Bidirectional:  a.sent.Sign() > 0 && a.received.Sign() > 0,
		})
	}
	sort.Slice(rels, func(i, j int) bool {
		vi := bigFrom(rels[i].TotalVolume)
		vj := bigFrom(rels[j].TotalVolume)
		if cmp := vi.Cmp(vj); cmp != 0 {
			return cmp > 0
		}
		return rels[i].Address < rels[j].Address
	})
	if len(rels) > limit {
		rels = rels[:limit]
	}
	return rels, nil
}
