package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coilworks/relay/model"
)

// RateProvider converts an amount between assets. A conversion failure is an
// expected outcome: the pipeline maps it to a CannotReceive reject.
type RateProvider interface {
	Convert(ctx context.Context, amount uint64, source, destination model.Asset) (uint64, error)
}

// FixedRateProvider converts with an in-memory rate table. Rates are
// expressed as destination units per source unit at equal scale; scale
// differences are corrected with exact decimal arithmetic and the result is
// floored to the destination's minor unit.
type FixedRateProvider struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

func NewFixedRateProvider() *FixedRateProvider {
	return &FixedRateProvider{rates: make(map[string]decimal.Decimal)}
}

// NewFixedRateProviderFromTable builds a provider from a configured table of
// "SRC/DST" pairs to decimal rate strings.
func NewFixedRateProviderFromTable(table map[string]string) (*FixedRateProvider, error) {
	provider := NewFixedRateProvider()
	for pair, raw := range table {
		source, destination, ok := strings.Cut(pair, "/")
		if !ok || source == "" || destination == "" {
			return nil, fmt.Errorf("invalid rate pair %q, want SRC/DST", pair)
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %s: %v", pair, err)
		}
		if rate.Sign() <= 0 {
			return nil, fmt.Errorf("rate for %s must be positive", pair)
		}
		provider.SetRate(source, destination, rate)
	}
	return provider, nil
}

func rateKey(source, destination string) string {
	return source + "/" + destination
}

// SetRate installs the conversion rate from one asset code to another.
func (p *FixedRateProvider) SetRate(source, destination string, rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[rateKey(source, destination)] = rate
}

func (p *FixedRateProvider) Convert(_ context.Context, amount uint64, source, destination model.Asset) (uint64, error) {
	if source.Equal(destination) {
		return amount, nil
	}

	rate := decimal.NewFromInt(1)
	if source.Code != destination.Code {
		p.mu.RLock()
		r, ok := p.rates[rateKey(source.Code, destination.Code)]
		p.mu.RUnlock()
		if !ok {
			return 0, fmt.Errorf("no rate from %s to %s", source.Code, destination.Code)
		}
		rate = r
	}

	scaleDiff := int32(destination.Scale) - int32(source.Scale)
	converted := decimal.NewFromUint64(amount).
		Mul(rate).
		Shift(scaleDiff).
		Floor()
	if converted.Sign() < 0 || !converted.IsInteger() {
		return 0, fmt.Errorf("conversion from %s to %s produced invalid amount", source.Code, destination.Code)
	}
	result := converted.BigInt()
	if !result.IsUint64() {
		return 0, fmt.Errorf("conversion from %s to %s overflows", source.Code, destination.Code)
	}
	return result.Uint64(), nil
}
