// Package fuel implements the per-call metering budget: a Gauge tracks a
// starting and ending fuel mark for the current call, charges a computed
// cost before every metered host operation, and converts the fuel actually
// spent into gas at call settlement.
//
// The constants below are one tuning of the cost table (any per-node-
// identical tuning is valid); they form a single canonical table with one
// named entry per operation family and no fallback price.
package fuel

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "fuel")

// ErrOutOfFuel is returned when a metered operation's cost exceeds the
// fuel remaining in the current call.
var ErrOutOfFuel = errors.New("out of fuel")

// Costs holds the per-node-identical cost table. All nodes in a network
// must run with byte-identical values for deterministic fuel accounting.
type Costs struct {
	Constant        uint64 // C0: signer/context-navigation getters
	GetBase         uint64
	GetByte         uint64
	SetBase         uint64
	SetByte         uint64
	PathByte        uint64
	EnumBase        uint64 // get_keys, exists, keys.next (fixed part)
	NextByte        uint64 // keys.next, per byte of the yielded name
	MatchBase       uint64 // extend_path_with_match
	MatchVariant    uint64
	DeleteBase      uint64 // delete_matching_paths
	RegexByte       uint64
	HashBase        uint64
	HashByte        uint64
	GenerateID      uint64
	NumericConstant uint64 // eq/cmp/add/sub/mul/div/sqrt/log10 on parsed values
	NumericBase     uint64 // string<->numeric conversions, fixed part
	NumericByte     uint64 // string<->numeric conversions, per byte
	ResultByte      uint64 // result emission, per byte
}

// DefaultCosts is the canonical cost table shipped with this runtime.
// Values are deliberately modest constants scaled by operation risk; dynamic
// (length-linear) portions are handled by the metering layer rather than a
// flat opcode price.
var DefaultCosts = Costs{
	Constant:        1,
	GetBase:         2,
	GetByte:         1,
	SetBase:         4,
	SetByte:         2,
	PathByte:        1,
	EnumBase:        2,
	NextByte:        1,
	MatchBase:       2,
	MatchVariant:    1,
	DeleteBase:      3,
	RegexByte:       1,
	HashBase:        4,
	HashByte:        1,
	GenerateID:      3,
	NumericConstant: 1,
	NumericBase:     2,
	NumericByte:     1,
	ResultByte:      1,
}

// Gauge meters a single call tree's fuel budget.
type Gauge struct {
	costs   Costs
	limit   uint64
	start   uint64
	current uint64
}

// NewGauge creates a Gauge with the given fuel limit. starting_fuel and the
// gauge's running balance both begin at limit.
func NewGauge(costs Costs, limit uint64) *Gauge {
	return &Gauge{costs: costs, limit: limit, start: limit, current: limit}
}

// Costs returns the cost table this gauge was constructed with, so host
// bindings can compute op-specific costs without importing DefaultCosts
// directly.
func (g *Gauge) Costs() Costs { return g.costs }

// Remaining returns the fuel left in this call.
func (g *Gauge) Remaining() uint64 { return g.current }

// StartingFuel returns the fuel mark recorded at call entry.
func (g *Gauge) StartingFuel() uint64 { return g.start }

// EndingFuel returns the current fuel mark, i.e. the mark that will be
// recorded at call exit if charged no further.
func (g *Gauge) EndingFuel() uint64 { return g.current }

// Consume charges cost fuel units, failing with ErrOutOfFuel if the gauge
// cannot afford it. On failure the gauge's balance is left at zero rather
// than going negative, so EndingFuel() always reports a valid charge.
func (g *Gauge) Consume(cost uint64) error {
	if cost > g.current {
		remaining := g.current
		g.current = 0
		return fmt.Errorf("%w: need %d, have %d", ErrOutOfFuel, cost, remaining)
	}
	g.current -= cost
	return nil
}

// Spent returns the fuel consumed so far (start - current).
func (g *Gauge) Spent() uint64 { return g.start - g.current }

// --------------------------------------------------------------------
// Per-operation cost helpers
// --------------------------------------------------------------------

func (g *Gauge) CostConstantGet() uint64 { return g.costs.Constant }

func (g *Gauge) CostStorageGet(valueLen int) uint64 {
	return g.costs.GetBase + uint64(valueLen)*g.costs.GetByte
}

func (g *Gauge) CostStorageSet(valueLen, pathLen int) uint64 {
	return g.costs.SetBase + uint64(valueLen)*g.costs.SetByte + uint64(pathLen)*g.costs.PathByte
}

func (g *Gauge) CostEnumBase() uint64 { return g.costs.EnumBase }

func (g *Gauge) CostKeysNext(nameLen int) uint64 {
	return g.costs.EnumBase + uint64(nameLen)*g.costs.NextByte
}

func (g *Gauge) CostExtendPathMatch(variants int) uint64 {
	return g.costs.MatchBase + uint64(variants)*g.costs.MatchVariant
}

func (g *Gauge) CostDeleteMatching(regexLen int) uint64 {
	return g.costs.DeleteBase + uint64(regexLen)*g.costs.RegexByte
}

func (g *Gauge) CostHash(inputLen int) uint64 {
	return g.costs.HashBase + uint64(inputLen)*g.costs.HashByte
}

func (g *Gauge) CostGenerateID() uint64 { return g.costs.GenerateID }

func (g *Gauge) CostNumericConstant() uint64 { return g.costs.NumericConstant }

func (g *Gauge) CostNumericString(byteLen int) uint64 {
	return g.costs.NumericBase + uint64(byteLen)*g.costs.NumericByte
}

func (g *Gauge) CostResult(byteLen int) uint64 {
	return uint64(byteLen) * g.costs.ResultByte
}

// GasFromFuel converts fuel consumed in [0, limit] to gas:
// gas = ceil((start - end) / fuelPerGas), floored at 1 for any settled call
// (settlement only runs for procedures; views and non-procedure exports
// never reach this conversion).
func GasFromFuel(start, end, fuelPerGas uint64) uint64 {
	if fuelPerGas == 0 {
		fuelPerGas = 1
	}
	spent := start - end
	gas := (spent + fuelPerGas - 1) / fuelPerGas
	if gas < 1 {
		gas = 1
	}
	return gas
}

func init() {
	log.Debug("fuel cost table initialised")
}
