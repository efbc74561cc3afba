package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var addrRe = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Token is immutable after Load.
type Token struct {
	Address  common.Address
	Symbol   string
	Name     string
	Decimals int
}

// Pool holds the token pair and the live reserves. Reserves start at zero and
// mutate only through SetReserves; everything else is immutable after Load.
type Pool struct {
	Address  common.Address
	Token1   common.Address
	Token2   common.Address
	Reserve1 *big.Int
	Reserve2 *big.Int
}

// RouteStep is one hop: the pool to swap through and the token it produces.
type RouteStep struct {
	Target common.Address
	LP     common.Address
}

type Cycle struct {
	ID    int64
	Steps []RouteStep
}

// Store is the process-wide snapshot of tokens, pools and cycles, loaded once
// from the catalog. Reads after Load are safe from any goroutine as long as
// reserve access goes through the evaluator's critical section.
type Store struct {
	tokens       map[common.Address]*Token
	pools        map[common.Address]*Pool
	cycles       map[int64]*Cycle
	poolToCycles map[common.Address][]int64

	log *zap.Logger
}

func New(log *zap.Logger) *Store {
	return &Store{
		tokens:       make(map[common.Address]*Token),
		pools:        make(map[common.Address]*Pool),
		cycles:       make(map[int64]*Cycle),
		poolToCycles: make(map[common.Address][]int64),
		log:          log,
	}
}

// Load reads the full catalog and builds the indexes. The connection is
// closed before returning, so no other component ever sees the database.
func (s *Store) Load(dbName string) error {
	db, err := sql.Open("sqlite3", dbName)
	if err != nil {
		return fmt.Errorf("open catalog %s: %w", dbName, err)
	}
	defer db.Close()

	if err := s.loadTokens(db); err != nil {
		return err
	}
	if err := s.loadPools(db); err != nil {
		return err
	}
	if err := s.loadCycles(db); err != nil {
		return err
	}

	s.buildPoolIndex()

	s.log.Info("каталог загружен",
		zap.Int("tokens", len(s.tokens)),
		zap.Int("pools", len(s.pools)),
		zap.Int("cycles", len(s.cycles)),
	)
	return nil
}

func (s *Store) loadTokens(db *sql.DB) error {
	rows, err := db.Query(`SELECT address, symbol, name, decimals FROM TokenInfo`)
	if err != nil {
		return fmt.Errorf("query TokenInfo: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			addr, symbol, name string
			decimals           int
		)
		if err := rows.Scan(&addr, &symbol, &name, &decimals); err != nil {
			return fmt.Errorf("scan TokenInfo: %w", err)
		}
		a, err := ParseAddress(addr)
		if err != nil {
			return fmt.Errorf("TokenInfo %q: %w", addr, err)
		}
		if decimals < 0 || decimals > 30 {
			return fmt.Errorf("TokenInfo %s: decimals %d out of range", addr, decimals)
		}
		s.tokens[a] = &Token{Address: a, Symbol: symbol, Name: name, Decimals: decimals}
	}
	return rows.Err()
}

func (s *Store) loadPools(db *sql.DB) error {
	rows, err := db.Query(`SELECT address, token1_address, token2_address FROM LPInfo`)
	if err != nil {
		return fmt.Errorf("query LPInfo: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr, t1, t2 string
		if err := rows.Scan(&addr, &t1, &t2); err != nil {
			return fmt.Errorf("scan LPInfo: %w", err)
		}
		a, err := ParseAddress(addr)
		if err != nil {
			return fmt.Errorf("LPInfo %q: %w", addr, err)
		}
		tok1, err := ParseAddress(t1)
		if err != nil {
			return fmt.Errorf("LPInfo %s token1 %q: %w", addr, t1, err)
		}
		tok2, err := ParseAddress(t2)
		if err != nil {
			return fmt.Errorf("LPInfo %s token2 %q: %w", addr, t2, err)
		}
		s.pools[a] = &Pool{
			Address:  a,
			Token1:   tok1,
			Token2:   tok2,
			Reserve1: new(big.Int),
			Reserve2: new(big.Int),
		}
	}
	return rows.Err()
}

func (s *Store) loadCycles(db *sql.DB) error {
	rows, err := db.Query(`SELECT id, path FROM Route`)
	if err != nil {
		return fmt.Errorf("query Route: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			path string
		)
		if err := rows.Scan(&id, &path); err != nil {
			return fmt.Errorf("scan Route: %w", err)
		}
		steps, err := parsePath(path)
		if err != nil {
			return fmt.Errorf("Route %d: %w", id, err)
		}
		for _, st := range steps {
			if _, ok := s.pools[st.LP]; !ok {
				display := strings.ToLower(st.LP.Hex())
				if cs, err := ChecksumAddress(display); err == nil {
					display = cs
				}
				return fmt.Errorf("Route %d: unknown pool %s", id, display)
			}
		}
		s.cycles[id] = &Cycle{ID: id, Steps: steps}
	}
	return rows.Err()
}

// parsePath decodes the serialized route [[target, [lp]], ...].
func parsePath(raw string) ([]RouteStep, error) {
	var outer []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &outer); err != nil {
		return nil, fmt.Errorf("bad path json: %w", err)
	}
	if len(outer) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	steps := make([]RouteStep, 0, len(outer))
	for i, el := range outer {
		var pair []json.RawMessage
		if err := json.Unmarshal(el, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("step %d: not a [target, [lp]] pair", i)
		}
		var target string
		if err := json.Unmarshal(pair[0], &target); err != nil {
			return nil, fmt.Errorf("step %d target: %w", i, err)
		}
		var lps []string
		if err := json.Unmarshal(pair[1], &lps); err != nil || len(lps) == 0 {
			return nil, fmt.Errorf("step %d: missing lp list", i)
		}
		t, err := ParseAddress(target)
		if err != nil {
			return nil, fmt.Errorf("step %d target %q: %w", i, target, err)
		}
		lp, err := ParseAddress(lps[0])
		if err != nil {
			return nil, fmt.Errorf("step %d lp %q: %w", i, lps[0], err)
		}
		steps = append(steps, RouteStep{Target: t, LP: lp})
	}
	return steps, nil
}

// buildPoolIndex fills poolToCycles in ascending cycle id order, one entry per
// pool per cycle even when a cycle crosses the same pool twice.
func (s *Store) buildPoolIndex() {
	ids := make([]int64, 0, len(s.cycles))
	for id := range s.cycles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		seen := make(map[common.Address]struct{}, len(s.cycles[id].Steps))
		for _, st := range s.cycles[id].Steps {
			if _, ok := seen[st.LP]; ok {
				continue
			}
			seen[st.LP] = struct{}{}
			s.poolToCycles[st.LP] = append(s.poolToCycles[st.LP], id)
		}
	}
}

// ParseAddress validates and normalizes a catalog address. Input must be
// 0x-prefixed hex; case is folded before validation.
func ParseAddress(raw string) (common.Address, error) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if !addrRe.MatchString(lower) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(lower), nil
}

func (s *Store) Token(addr common.Address) (*Token, bool) {
	t, ok := s.tokens[addr]
	return t, ok
}

func (s *Store) Pool(addr common.Address) (*Pool, bool) {
	p, ok := s.pools[addr]
	return p, ok
}

func (s *Store) Cycle(id int64) (*Cycle, bool) {
	c, ok := s.cycles[id]
	return c, ok
}

// CyclesTouching returns the ids of every cycle that crosses the pool, in
// ascending id order. The returned slice must not be mutated.
func (s *Store) CyclesTouching(pool common.Address) []int64 {
	return s.poolToCycles[pool]
}

// Pools returns all pool addresses in a stable order.
func (s *Store) Pools() []common.Address {
	out := make([]common.Address, 0, len(s.pools))
	for a := range s.pools {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Hex(), out[j].Hex()) < 0
	})
	return out
}

// Partition splits addrs into slices of at most size elements, preserving
// order. Both hydration and subscription batch pools this way.
func Partition(addrs []common.Address, size int) [][]common.Address {
	if size <= 0 || len(addrs) == 0 {
		return nil
	}
	out := make([][]common.Address, 0, (len(addrs)+size-1)/size)
	for start := 0; start < len(addrs); start += size {
		end := start + size
		if end > len(addrs) {
			end = len(addrs)
		}
		out = append(out, addrs[start:end])
	}
	return out
}

// SetReserves writes both reserves of a pool. Unknown pools are ignored.
// Callers are responsible for serializing writes (the evaluator's lock, or
// the single-threaded hydration pass that runs before any subscriber).
func (s *Store) SetReserves(pool common.Address, r1, r2 *big.Int) bool {
	p, ok := s.pools[pool]
	if !ok {
		return false
	}
	p.Reserve1 = new(big.Int).Set(r1)
	p.Reserve2 = new(big.Int).Set(r2)
	return true
}

// Symbol resolves a token symbol for display, "UNKNOWN" when the token is
// not in the catalog.
func (s *Store) Symbol(addr common.Address) string {
	if t, ok := s.tokens[addr]; ok {
		return t.Symbol
	}
	return "UNKNOWN"
}

// Decimals resolves token decimals for pricing, 0 when unknown.
func (s *Store) Decimals(addr common.Address) int {
	if t, ok := s.tokens[addr]; ok {
		return t.Decimals
	}
	return 0
}
