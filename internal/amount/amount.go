// Package amount derives per-order payment amounts and converts between
// decimal amounts and the explorer's 6-decimal minor units.
package amount

import (
	"math/rand/v2"

	"github.com/shopspring/decimal"
)

const (
	// MicrosPerUnit is the number of minor units in one token (6 decimals)
	MicrosPerUnit = 1_000_000

	suffixScale = 3
	suffixMin   = 1
	suffixMax   = 99
)

// SuffixCardinality is the number of distinct suffixes Derive can add
const SuffixCardinality = suffixMax - suffixMin + 1

// Disambiguator adds a random thousandths suffix to a base price so that
// concurrently pending orders for the same price can be told apart by amount.
type Disambiguator struct {
	intn func(n int) int
}

// NewDisambiguator creates a disambiguator backed by math/rand/v2
func NewDisambiguator() *Disambiguator {
	return &Disambiguator{intn: rand.IntN}
}

// NewDisambiguatorWithSource creates a disambiguator with a custom random
// source; intn must return a value in [0, n).
func NewDisambiguatorWithSource(intn func(n int) int) *Disambiguator {
	return &Disambiguator{intn: intn}
}

// Derive returns base + r/1000 with r uniform in [1, 99], rounded to 3 decimals.
func (d *Disambiguator) Derive(base decimal.Decimal) decimal.Decimal {
	r := int64(d.intn(SuffixCardinality) + suffixMin)
	suffix := decimal.New(r, -suffixScale)
	return base.Add(suffix).Round(suffixScale)
}

// ToMicros converts a decimal amount into minor units, rounding to the nearest unit.
func ToMicros(d decimal.Decimal) int64 {
	return d.Shift(6).Round(0).IntPart()
}

// FromMicros converts minor units to a decimal amount.
func FromMicros(micros int64) decimal.Decimal {
	return decimal.New(micros, -6)
}
