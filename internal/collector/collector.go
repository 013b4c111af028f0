// Package collector walks an address frontier through the upstream
// client, persists transfers and their aggregates, and checkpoints
// indexer_state so interrupted runs resume where they stopped.
package collector

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/polkatrace/graph-engine/internal/db"
	"github.com/polkatrace/graph-engine/internal/metrics"
	"github.com/polkatrace/graph-engine/internal/upstream"
	"github.com/polkatrace/graph-engine/pkg/models"
)

// Limits bounds one collection run.
type Limits struct {
	MaxAddresses           int
	MaxPages               int
	MaxTransfersPerAddress int
	Staleness              time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxAddresses <= 0 {
		l.MaxAddresses = 200
	}
	if l.MaxPages <= 0 {
		l.MaxPages = 10
	}
	if l.MaxTransfersPerAddress <= 0 {
		l.MaxTransfersPerAddress = 1000
	}
	if l.Staleness <= 0 {
		l.Staleness = 24 * time.Hour
	}
	return l
}

// Progress is a point-in-time snapshot of a run's counters.
type Progress struct {
	Running            bool  `json:"running"`
	AddressesCollected int64 `json:"addressesCollected"`
	PagesFetched       int64 `json:"pagesFetched"`
	TransfersIngested  int64 `json:"transfersIngested"`
	TransfersSkipped   int64 `json:"transfersSkipped"`
	Errors             int64 `json:"errors"`
}

// Collector ingests upstream data into the store. A nil client puts it
// in offline mode: EnsureFresh serves whatever the store already holds.
type Collector struct {
	store  *db.Store
	client *upstream.Client
	limits Limits
	log    zerolog.Logger
	met    *metrics.Metrics

	running            atomic.Bool
	addressesCollected atomic.Int64
	pagesFetched       atomic.Int64
	transfersIngested  atomic.Int64
	transfersSkipped   atomic.Int64
	errs               atomic.Int64
}

func New(store *db.Store, client *upstream.Client, limits Limits, log zerolog.Logger, met *metrics.Metrics) *Collector {
	return &Collector{
		store:  store,
		client: client,
		limits: limits.withDefaults(),
		log:    log.With().Str("component", "collector").Logger(),
		met:    met,
	}
}

// Progress reports the current counters.
func (c *Collector) Progress() Progress {
	return Progress{
		Running:            c.running.Load(),
		AddressesCollected: c.addressesCollected.Load(),
		PagesFetched:       c.pagesFetched.Load(),
		TransfersIngested:  c.transfersIngested.Load(),
		TransfersSkipped:   c.transfersSkipped.Load(),
		Errors:             c.errs.Load(),
	}
}

// EnsureFresh guarantees the store holds recent data for address:
// a no-op when the local record is younger than the staleness window,
// otherwise an upstream fetch of the account plus its transfer pages.
func (c *Collector) EnsureFresh(ctx context.Context, address string) error {
	acct, err := c.store.GetAccount(ctx, address)
	if err == nil && time.Since(acct.UpdatedAt) < c.limits.Staleness {
		return nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	if c.client == nil {
		// Offline mode: local data or nothing.
		return err
	}
	return c.collectAddress(ctx, address)
}

// collectAddress fetches the account record and pages of transfers,
// persisting as it goes. Transfer ingest is idempotent so overlapping
// refreshes of the same address are safe.
func (c *Collector) collectAddress(ctx context.Context, address string) error {
	info, err := c.client.GetAccount(ctx, address)
	if err != nil {
		c.errs.Add(1)
		return err
	}
	acct := accountFromInfo(info)
	if err := c.store.UpsertAccount(ctx, acct); err != nil {
		return err
	}
	c.addressesCollected.Add(1)

	ingested := 0
	for page := 0; page < c.limits.MaxPages && ingested < c.limits.MaxTransfersPerAddress; page++ {
		transfers, err := c.client.GetTransfers(ctx, address, upstream.TransferOptions{Page: page, Rows: 100})
		if err != nil {
			if upstream.CodeOf(err) == upstream.CodeNoData {
				break
			}
			c.errs.Add(1)
			return err
		}
		c.pagesFetched.Add(1)
		if len(transfers) == 0 {
			break
		}
		for i := range transfers {
			if ingested >= c.limits.MaxTransfersPerAddress {
				break
			}
			if err := c.store.InsertTransfer(ctx, &transfers[i]); err != nil {
				c.transfersSkipped.Add(1)
				c.log.Debug().Err(err).Str("hash", transfers[i].TransactionHash).Msg("transfer rejected")
				continue
			}
			ingested++
			c.transfersIngested.Add(1)
			if c.met != nil {
				c.met.TransfersIngested.Inc()
			}
		}
		if len(transfers) < 100 {
			break
		}
	}
	c.log.Info().Str("address", address).Int("transfers", ingested).Msg("address collected")
	return nil
}

// Collect runs a bounded frontier walk seeded by the given addresses.
// Only one run may be active at a time; a second call returns false.
// Checkpoints land in indexer_state after every address so a killed run
// resumes without refetching finished work.
func (c *Collector) Collect(ctx context.Context, seeds []string) bool {
	if c.client == nil || !c.running.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer c.running.Store(false)
		c.run(ctx, seeds)
	}()
	return true
}

func (c *Collector) run(ctx context.Context, seeds []string) {
	start := time.Now()
	if err := c.store.SetSyncState(ctx, 0, true); err != nil {
		c.log.Warn().Err(err).Msg("cannot mark sync start")
	}
	defer func() {
		if err := c.store.SetSyncState(context.Background(), 0, false); err != nil {
			c.log.Warn().Err(err).Msg("cannot mark sync end")
		}
	}()

	done := make(map[string]bool)
	if st, err := c.store.LoadIndexerState(ctx); err == nil {
		for addr := range st.Metrics {
			done[addr] = true
		}
	}

	frontier := append([]string{}, seeds...)
	collected := 0
	for i := 0; i < len(frontier) && collected < c.limits.MaxAddresses; i++ {
		if ctx.Err() != nil {
			return
		}
		addr := frontier[i]
		if done[addr] {
			continue
		}
		if err := c.collectAddress(ctx, addr); err != nil {
			c.log.Warn().Err(err).Str("address", addr).Msg("collection failed, continuing")
			if upstream.CodeOf(err) == upstream.CodeCircuitOpen {
				return
			}
			continue
		}
		done[addr] = true
		collected++

		// Widen the frontier with top counterparties.
		if rels, err := c.store.StoredRelationships(ctx, addr, 10, nil); err == nil {
			for _, r := range rels {
				if !done[r.Address] {
					frontier = append(frontier, r.Address)
				}
			}
		}

		c.checkpoint(ctx, done)
	}
	c.log.Info().Int("addresses", collected).Dur("elapsed", time.Since(start)).Msg("collection run finished")
}

func (c *Collector) checkpoint(ctx context.Context, done map[string]bool) {
	st := &models.IndexerState{
		Timestamp: time.Now().UTC(),
		Metrics:   make(map[string]int64, len(done)),
	}
	for addr := range done {
		st.Metrics[addr] = 1
	}
	if err := c.store.SaveIndexerState(ctx, st); err != nil {
		c.log.Warn().Err(err).Msg("checkpoint failed")
	}
}

func accountFromInfo(info *upstream.AccountInfo) *models.Account {
	acct := &models.Account{
		Address: info.Address,
		Balance: info.Balance,
	}
	if info.Display != "" || info.Verified {
		acct.Identity = &models.Identity{
			Display:       info.Display,
			Legal:         info.Legal,
			Web:           info.Web,
			Email:         info.Email,
			Twitter:       info.Twitter,
			Riot:          info.Riot,
			IsVerified:    info.Verified,
			ParentAddress: info.Parent,
			SubDisplay:    info.SubDisplay,
		}
	}
	return acct
}
