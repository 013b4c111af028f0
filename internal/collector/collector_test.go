package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/polkatrace/graph-engine/internal/db"
	"github.com/polkatrace/graph-engine/pkg/models"
)

func newOfflineCollector(t *testing.T) (*Collector, *db.Store) {
	t.Helper()
	store, err := db.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return New(store, nil, Limits{}, zerolog.Nop(), nil), store
}

func TestEnsureFresh_OfflineUnknownAddress(t *testing.T) {
	c, _ := newOfflineCollector(t)

	err := c.EnsureFresh(context.Background(), "nobody")
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureFresh_OfflineServesLocalData(t *testing.T) {
	c, store := newOfflineCollector(t)
	if err := store.UpsertAccount(context.Background(), &models.Account{Address: "alice"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A freshly written record is within any staleness window.
	if err := c.EnsureFresh(context.Background(), "alice"); err != nil {
		t.Fatalf("local record should satisfy the request: %v", err)
	}
}

func TestCollect_RefusedWithoutClient(t *testing.T) {
	c, _ := newOfflineCollector(t)

	if c.Collect(context.Background(), []string{"alice"}) {
		t.Fatal("offline collector must refuse a collection run")
	}
}

func TestProgress_StartsZeroed(t *testing.T) {
	c, _ := newOfflineCollector(t)

	p := c.Progress()
	if p.Running || p.AddressesCollected != 0 || p.TransfersIngested != 0 || p.Errors != 0 {
		t.Fatalf("unexpected initial progress: %+v", p)
	}
}

func TestLimits_Defaults(t *testing.T) {
	l := Limits{}.withDefaults()
	if l.MaxAddresses != 200 || l.MaxPages != 10 || l.MaxTransfersPerAddress != 1000 {
		t.Fatalf("unexpected defaults: %+v", l)
	}
	if l.Staleness <= 0 {
		t.Fatal("staleness default missing")
	}

	custom := Limits{MaxPages: 3}.withDefaults()
	if custom.MaxPages != 3 {
		t.Fatal("explicit limit overridden")
	}
}
