package reactor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"cairnvm/engine"
	"cairnvm/numerics"
	"cairnvm/token"
)

// GenesisAllocation is one account's starting native token balance.
type GenesisAllocation struct {
	Account int64  `yaml:"account"`
	Amount  string `yaml:"amount"`
}

// GenesisFile is the on-disk shape of a node's genesis issuance table: the
// initial token supply minted into accounts before the reactor starts
// ingesting chain events. Distinct from the node's own YAML configuration
// (loaded through viper/mapstructure), this is parsed directly with
// gopkg.in/yaml.v3 since it is a small, self-contained document handed to
// operators standing up a fresh network rather than a merged, env-layered
// config tree.
type GenesisFile struct {
	Issuances []GenesisAllocation `yaml:"issuances"`
}

// LoadGenesis reads and parses a genesis file from path.
func LoadGenesis(path string) (*GenesisFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reactor: read genesis file %s: %w", path, err)
	}
	var g GenesisFile
	if err := yaml.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("reactor: parse genesis file %s: %w", path, err)
	}
	return &g, nil
}

// ApplyGenesis issues every allocation in g into rt's token ledger. It is
// meant to run once, before the reactor's first Start, on an empty store.
func ApplyGenesis(rt *engine.Runtime, g *GenesisFile) error {
	for _, a := range g.Issuances {
		amount, err := numerics.DecFromString(a.Amount)
		if err != nil {
			return fmt.Errorf("reactor: genesis allocation for account %d: parse amount %q: %w", a.Account, a.Amount, err)
		}
		rt.IssueTokens(token.Account(a.Account), amount)
	}
	return nil
}
