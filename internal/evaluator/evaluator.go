package evaluator

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/RedBird96/detect-amm-imbalance/internal/config"
	"github.com/RedBird96/detect-amm-imbalance/internal/metrics"
	"github.com/RedBird96/detect-amm-imbalance/internal/store"
	"github.com/RedBird96/detect-amm-imbalance/internal/types"
)

const baseDecimals = 18

// pow10 up to the max rescale between two 30-decimal tokens.
var pow10Tab [61]*big.Int

func init() {
	v := big.NewInt(1)
	ten := big.NewInt(10)
	for i := range pow10Tab {
		pow10Tab[i] = new(big.Int).Set(v)
		v.Mul(v, ten)
	}
}

func pow10(n int) *big.Int {
	if n < 0 || n >= len(pow10Tab) {
		// decimals are validated to [0,30] at load; this is unreachable for
		// catalog data but keeps the math total.
		return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	}
	return pow10Tab[n]
}

// Evaluator applies reserve updates and reprices every cycle touching the
// written pool under one process-wide lock, so each evaluation sees a
// self-consistent snapshot of all reserves. Nothing inside the critical
// section blocks: updates are handed to the broadcaster over a buffered
// channel and dropped (with a counter) when it is full.
type Evaluator struct {
	mu sync.Mutex
	st *store.Store

	startWei   *big.Int
	feeFactor  float64
	baseSymbol string

	out chan types.RateUpdate
	log *zap.Logger
}

func New(st *store.Store, cfg *config.Config, log *zap.Logger) (*Evaluator, error) {
	start, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Engine.StartAmount), 10)
	if !ok || start.Sign() < 0 {
		return nil, fmt.Errorf("bad start amount %q", cfg.Engine.StartAmount)
	}
	if cfg.Engine.FeePercent < 0 || cfg.Engine.FeePercent >= 100 {
		return nil, fmt.Errorf("bad fee percent %v", cfg.Engine.FeePercent)
	}
	return &Evaluator{
		st:         st,
		startWei:   new(big.Int).Mul(start, pow10(baseDecimals)),
		feeFactor:  1 - cfg.Engine.FeePercent/100,
		baseSymbol: cfg.Engine.StartCurrency,
		out:        make(chan types.RateUpdate, cfg.Timings.EventBufferLength),
		log:        log,
	}, nil
}

// Updates is the fan-out stream consumed by the supervisor.
func (e *Evaluator) Updates() <-chan types.RateUpdate { return e.out }

// Close releases the update stream. Call only after every writer has
// stopped and Quiesce returned.
func (e *Evaluator) Close() { close(e.out) }

// Quiesce waits for any in-flight critical section to finish.
func (e *Evaluator) Quiesce() {
	e.mu.Lock()
	defer e.mu.Unlock()
}

// UpdateAndEvaluate writes the pool's reserves and reprices every cycle
// touching it. Unknown pools are a noop.
func (e *Evaluator) UpdateAndEvaluate(pool common.Address, r0, r1 *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := time.Now()
	defer func() { metrics.EvalLatency.Observe(time.Since(started).Seconds()) }()

	if !e.st.SetReserves(pool, r0, r1) {
		return
	}

	for _, id := range e.st.CyclesTouching(pool) {
		c, ok := e.st.Cycle(id)
		if !ok {
			continue
		}
		upd, ok := e.priceCycle(c)
		if !ok {
			continue
		}
		metrics.Evaluations.Inc()

		select {
		case e.out <- upd:
		default:
			metrics.DroppedUpdates.Inc()
			e.log.Warn("rate channel full; dropping", zap.String("path_id", upd.PathID))
		}
	}
}

// priceCycle runs the constant-product walk of the cycle on the reserves
// currently visible. The second return is false only when a step references
// a pool missing from the store; such cycles emit nothing.
func (e *Evaluator) priceCycle(c *store.Cycle) (types.RateUpdate, bool) {
	x := new(big.Int).Set(e.startWei)

	desc := make([]string, 0, len(c.Steps)+1)
	desc = append(desc, e.baseSymbol)

	for _, step := range c.Steps {
		p, ok := e.st.Pool(step.LP)
		if !ok {
			return types.RateUpdate{}, false
		}
		desc = append(desc, e.st.Symbol(step.Target))
		x = e.swapStep(x, p, step.Target)
	}

	profit := new(big.Int).Sub(x, e.startWei)
	rateF := new(big.Float).Quo(new(big.Float).SetInt(profit), big.NewFloat(1e18))
	rate, _ := rateF.Float64()

	return types.RateUpdate{
		PathID:          strconv.FormatInt(c.ID, 10),
		PathDescription: strings.Join(desc, " -> "),
		Rate:            rate,
		Ts:              time.Now(),
	}, true
}

// swapStep prices one hop through pool p toward target, truncating on every
// division like the pair contract does.
func (e *Evaluator) swapStep(x *big.Int, p *store.Pool, target common.Address) *big.Int {
	var inTok, outTok common.Address
	var reserveIn, reserveOut *big.Int
	if target == p.Token1 {
		inTok, outTok = p.Token2, p.Token1
		reserveIn, reserveOut = p.Reserve2, p.Reserve1
	} else {
		inTok, outTok = p.Token1, p.Token2
		reserveIn, reserveOut = p.Reserve1, p.Reserve2
	}

	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return new(big.Int)
	}

	dIn := e.st.Decimals(inTok)
	dOut := e.st.Decimals(outTok)

	// rescale the running amount and the input reserve to out-token decimals
	scaled := rescale(x, dIn, dOut)
	rIn := rescale(reserveIn, dIn, dOut)
	rOut := reserveOut

	xFee := e.applyFee(scaled)

	den := new(big.Int).Add(rIn, xFee)
	if den.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(xFee, rOut)
	return out.Div(out, den)
}

func rescale(v *big.Int, dIn, dOut int) *big.Int {
	if dIn == dOut {
		return new(big.Int).Set(v)
	}
	scaled := new(big.Int).Mul(v, pow10(dOut))
	return scaled.Div(scaled, pow10(dIn))
}

// applyFee keeps the floating-point fee multiplier of the original pricing
// path: floor(x · (1 − fee/100)), truncated toward zero.
func (e *Evaluator) applyFee(x *big.Int) *big.Int {
	if e.feeFactor == 1 {
		return new(big.Int).Set(x)
	}
	f := new(big.Float).SetInt(x)
	f.Mul(f, big.NewFloat(e.feeFactor))
	out, _ := f.Int(nil)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}
