package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"BatchSettle/internal/converter"
	"BatchSettle/internal/custody"
	"BatchSettle/internal/ledger"
	"BatchSettle/internal/model"
)

var assets = model.Assets{Base: "3CRV", Composite: "BTR"}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newLedger returns a ledger with a processed mint batch, an open mint
// deposit and an open redeem deposit.
func newLedger(t *testing.T, store ledger.Store) *ledger.Ledger {
	t.Helper()
	return newLedgerWithBank(t, store, custody.NewBank(nil))
}

func newLedgerWithBank(t *testing.T, store ledger.Store, bank *custody.Bank) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := converter.NewFixed(assets, map[model.BatchKind]converter.Rate{
		model.Mint: {Num: model.NewAmount(1), Den: model.NewAmount(100)},
	}, bank)

	opts := []ledger.Option{
		ledger.WithLogger(zaptest.NewLogger(t)),
		ledger.WithClock(func() time.Time { return now }),
	}
	if store != nil {
		opts = append(opts, ledger.WithStore(store))
	}
	l, err := ledger.New(ledger.Config{
		Cooldown:   time.Hour,
		Thresholds: map[model.BatchKind]model.Amount{model.Mint: model.NewAmount(1000), model.Redeem: model.NewAmount(1000)},
		Assets:     assets,
	}, ledger.NewOperatorSet("ops"), bank, conv, opts...)
	require.NoError(t, err)

	deposit := func(kind model.BatchKind, account string, n uint64) {
		asset := assets.Supplied(kind)
		require.NoError(t, bank.Mint(asset, account, model.NewAmount(n)))
		bank.Approve(asset, account, model.NewAmount(n))
		_, err := l.Deposit(ctx, ledger.DepositRequest{Kind: kind, Account: account, Amount: model.NewAmount(n)})
		require.NoError(t, err)
	}
	deposit(model.Mint, "alice", 700)
	deposit(model.Mint, "bob", 500)
	_, err = l.Process(ctx, ledger.ProcessRequest{Kind: model.Mint, Caller: "ops"})
	require.NoError(t, err)
	deposit(model.Mint, "alice", 40)
	deposit(model.Redeem, "carol", 3)
	return l
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(openTestDB(t))

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	snap := newLedger(t, nil).Snapshot()
	require.NoError(t, store.Save(ctx, snap))
	// saving twice must not duplicate rows
	require.NoError(t, store.Save(ctx, snap))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())
	assert.Equal(t, snap, loaded)
}

func TestLedgerPersistsEveryMutation(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(openTestDB(t))
	l := newLedger(t, store)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, l.Snapshot().Batches, loaded.Batches)

	// a claim removes the share row
	_, err = l.Claim(ctx, ledger.ClaimRequest{Batch: model.BatchID{Kind: model.Mint}, Account: "bob"})
	require.NoError(t, err)
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	for _, sh := range loaded.Shares {
		assert.False(t, sh.Account == "bob" && sh.Batch.Seq == 0, "claimed share still stored")
	}
	require.NoError(t, loaded.Validate())
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "state", "ledger.json"))

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	snap := newLedger(t, nil).Snapshot()
	require.NoError(t, store.Save(ctx, snap))
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))

	v, err := currentVersion(context.Background(), db.DB)
	require.NoError(t, err)
	assert.Equal(t, latestVersion, v)
}

func TestStoresPersistCustody(t *testing.T) {
	ctx := context.Background()
	stores := map[string]func(*custody.Bank) Durable{
		"sqlite": func(b *custody.Bank) Durable { return NewSQLiteStore(openTestDB(t), WithCustody(b)) },
		"file": func(b *custody.Bank) Durable {
			return NewFileStore(filepath.Join(t.TempDir(), "ledger.json"), WithCustody(b))
		},
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			bank := custody.NewBank(nil)
			store := mk(bank)

			none, err := store.LoadCustody(ctx)
			require.NoError(t, err)
			assert.Nil(t, none)

			l := newLedgerWithBank(t, store, bank)
			// a wallet balance the ledger never touches still survives
			require.NoError(t, bank.Mint("3CRV", "dave", model.NewAmount(9)))
			bank.Approve("3CRV", "dave", model.NewAmount(4))
			require.NoError(t, store.Save(ctx, l.Snapshot()))

			state, err := store.LoadCustody(ctx)
			require.NoError(t, err)
			require.NotNil(t, state)
			assert.Equal(t, bank.Export(), *state)

			restored := custody.NewBank(nil)
			restored.Import(*state)
			bal, err := restored.BalanceOf(ctx, "3CRV", "dave")
			require.NoError(t, err)
			assert.Equal(t, model.NewAmount(9), bal)
			held, err := restored.BalanceOf(ctx, "BTR", custody.Account)
			require.NoError(t, err)
			assert.Equal(t, model.NewAmount(15), held)
		})
	}
}

func TestFileStoreReadsSnapshotWithoutCustody(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, NewFileStore(path).Save(ctx, newLedger(t, nil).Snapshot()))

	store := NewFileStore(path)
	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	state, err := store.LoadCustody(ctx)
	require.NoError(t, err)
	assert.Nil(t, state)
}
