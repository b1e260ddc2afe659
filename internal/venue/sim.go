package venue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SimConfig parameterizes a simulated venue. Prices are sampled per call
// inside [PriceMin, PriceMax]; impact grows with trade size against the
// configured pool liquidity.
type SimConfig struct {
	Name      string
	FeeRate   decimal.Decimal
	PriceMin  float64
	PriceMax  float64
	Liquidity float64
	DelayMin  time.Duration
	DelayMax  time.Duration
	// Seed pins the price walk for tests. Zero means time-seeded.
	Seed int64
}

// Sim is an in-process venue driver used for development and tests. It
// honors the full Driver contract including the failure taxonomy.
type Sim struct {
	cfg SimConfig

	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSim builds a simulated driver from cfg.
func NewSim(cfg SimConfig) *Sim {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.Liquidity <= 0 {
		cfg.Liquidity = 50_000
	}
	return &Sim{cfg: cfg, rng: mrand.New(mrand.NewSource(seed))}
}

// NewRaydium returns the Raydium reference driver.
func NewRaydium() *Sim {
	return NewSim(SimConfig{
		Name:      Raydium,
		FeeRate:   decimal.NewFromFloat(0.0025),
		PriceMin:  98.0,
		PriceMax:  102.0,
		Liquidity: 80_000,
	})
}

// NewMeteora returns the Meteora reference driver.
func NewMeteora() *Sim {
	return NewSim(SimConfig{
		Name:      Meteora,
		FeeRate:   decimal.NewFromFloat(0.002),
		PriceMin:  97.5,
		PriceMax:  102.5,
		Liquidity: 55_000,
	})
}

func (s *Sim) Name() string { return s.cfg.Name }

func (s *Sim) samplePrice() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.cfg.PriceMin + s.rng.Float64()*(s.cfg.PriceMax-s.cfg.PriceMin)
	return decimal.NewFromFloat(p).Round(8)
}

func (s *Sim) sleep(ctx context.Context) error {
	if s.cfg.DelayMax <= 0 {
		return ctx.Err()
	}
	s.mu.Lock()
	span := s.cfg.DelayMax - s.cfg.DelayMin
	d := s.cfg.DelayMin
	if span > 0 {
		d += time.Duration(s.rng.Int63n(int64(span)))
	}
	s.mu.Unlock()
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// impact is monotonically nondecreasing in amountIn: in/(in+liquidity).
func (s *Sim) impact(amountIn decimal.Decimal) decimal.Decimal {
	in, _ := amountIn.Float64()
	return decimal.NewFromFloat(in / (in + s.cfg.Liquidity)).Round(8)
}

func (s *Sim) Quote(ctx context.Context, pair Pair, amountIn decimal.Decimal) (Quote, error) {
	if err := s.sleep(ctx); err != nil {
		return Quote{}, Temporary(s.cfg.Name, "quote", err)
	}
	if amountIn.Sign() <= 0 {
		return Quote{}, Permanent(s.cfg.Name, "quote", fmt.Errorf("non-positive amount %s", amountIn))
	}
	price := s.samplePrice()
	one := decimal.NewFromInt(1)
	out := amountIn.Mul(one.Sub(s.cfg.FeeRate)).Mul(price)
	return Quote{
		Venue:       s.cfg.Name,
		Pair:        pair,
		AmountIn:    amountIn,
		AmountOut:   out.Round(8),
		UnitPrice:   price,
		FeeRate:     s.cfg.FeeRate,
		PriceImpact: s.impact(amountIn),
		At:          time.Now().UTC(),
	}, nil
}

func (s *Sim) Swap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	if err := s.sleep(ctx); err != nil {
		return SwapResult{}, Temporary(s.cfg.Name, "swap", err)
	}
	if req.AmountIn.Sign() <= 0 {
		return SwapResult{}, Permanent(s.cfg.Name, "swap", fmt.Errorf("non-positive amount %s", req.AmountIn))
	}
	executed := s.samplePrice()
	one := decimal.NewFromInt(1)
	out := req.AmountIn.Mul(one.Sub(s.cfg.FeeRate)).Mul(executed)

	realized := decimal.Zero
	if req.ExpectedUnitPrice.Sign() > 0 {
		realized = executed.Sub(req.ExpectedUnitPrice).Div(req.ExpectedUnitPrice).Abs().Round(8)
	}
	return SwapResult{
		TxRef:            newTxRef(),
		ExecutedPrice:    executed,
		AmountOut:        out.Round(8),
		RealizedSlippage: realized,
		At:               time.Now().UTC(),
	}, nil
}

// newTxRef fabricates a signature-shaped reference for simulated fills.
func newTxRef() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		// math/rand fallback keeps the sim usable without an entropy source.
		for i := range b {
			b[i] = byte(mrand.Intn(math.MaxUint8))
		}
	}
	return "sim" + hex.EncodeToString(b[:])
}
