package hydrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RedBird96/detect-amm-imbalance/internal/store"
)

var testPools = []string{
	"0x1111111111111111111111111111111111111111",
	"0x2222222222222222222222222222222222222222",
	"0x3333333333333333333333333333333333333333",
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "defi.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)

	stmts := []string{
		`CREATE TABLE TokenInfo(address TEXT PRIMARY KEY, symbol TEXT, name TEXT, decimals INTEGER)`,
		`CREATE TABLE LPInfo(address TEXT PRIMARY KEY, token1_address TEXT, token2_address TEXT)`,
		`CREATE TABLE Route(id INTEGER PRIMARY KEY, path TEXT, created_at DATETIME)`,
		`INSERT INTO TokenInfo VALUES ('0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2','WETH','Wrapped Ether',18)`,
		`INSERT INTO TokenInfo VALUES ('0x6b175474e89094c44da98b954eedeac495271d0f','DAI','Dai Stablecoin',18)`,
	}
	for _, p := range testPools {
		stmts = append(stmts, fmt.Sprintf(
			`INSERT INTO LPInfo VALUES ('%s','0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2','0x6b175474e89094c44da98b954eedeac495271d0f')`, p))
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	st := store.New(zap.NewNop())
	require.NoError(t, st.Load(path))
	return st
}

// fakeViewer returns ascending reserves per pool, failing the configured
// batch indexes.
type fakeViewer struct {
	calls [][]common.Address
	fail  map[int]bool
}

func (f *fakeViewer) ViewPair(_ context.Context, pairs []common.Address) ([]*big.Int, error) {
	idx := len(f.calls)
	f.calls = append(f.calls, pairs)
	if f.fail[idx] {
		return nil, errors.New("aggregator reverted")
	}
	out := make([]*big.Int, 0, 2*len(pairs))
	for j := range pairs {
		out = append(out, big.NewInt(int64(100+j)), big.NewInt(int64(200+j)))
	}
	return out, nil
}

func TestHydrate(t *testing.T) {
	st := newStore(t)
	fv := &fakeViewer{fail: map[int]bool{}}

	New(st, fv, 2, zap.NewNop()).Hydrate(context.Background())

	require.Len(t, fv.calls, 2)
	assert.Len(t, fv.calls[0], 2)
	assert.Len(t, fv.calls[1], 1)

	for _, addr := range st.Pools() {
		p, ok := st.Pool(addr)
		require.True(t, ok)
		assert.Positive(t, p.Reserve1.Sign(), "pool %s not hydrated", addr.Hex())
		assert.Positive(t, p.Reserve2.Sign())
	}
}

func TestHydrate_BatchFailureSkipped(t *testing.T) {
	st := newStore(t)
	fv := &fakeViewer{fail: map[int]bool{0: true}}

	New(st, fv, 2, zap.NewNop()).Hydrate(context.Background())

	require.Len(t, fv.calls, 2, "a failed batch must not stop hydration")

	// first batch keeps zero reserves, second batch is applied
	pools := st.Pools()
	p0, _ := st.Pool(pools[0])
	assert.Zero(t, p0.Reserve1.Sign())
	p2, _ := st.Pool(pools[2])
	assert.Positive(t, p2.Reserve1.Sign())
}

func TestHydrate_Cancelled(t *testing.T) {
	st := newStore(t)
	fv := &fakeViewer{fail: map[int]bool{}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	New(st, fv, 2, zap.NewNop()).Hydrate(ctx)

	assert.Empty(t, fv.calls)
}
