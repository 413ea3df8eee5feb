// chains.go -- chain ID to RPC endpoint table.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Chain is one EVM network the service can make view calls against.
type Chain struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	RPCURL string `yaml:"rpc_url"`
}

// DefaultChains returns the built-in endpoints (World Chain mainnet and Sepolia).
func DefaultChains() []Chain {
	return []Chain{
		{ID: 480, Name: "worldchain", RPCURL: "https://worldchain-mainnet.g.alchemy.com/public"},
		{ID: 4801, Name: "worldchain-sepolia", RPCURL: "https://worldchain-sepolia.g.alchemy.com/public"},
	}
}

// LoadChains reads a YAML file of the form:
//
//	chains:
//	  - id: 480
//	    name: worldchain
//	    rpc_url: https://...
func LoadChains(path string) ([]Chain, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading chains file: %w", err)
	}
	var doc struct {
		Chains []Chain `yaml:"chains"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing chains file: %w", err)
	}
	for i, c := range doc.Chains {
		if c.ID <= 0 {
			return nil, fmt.Errorf("chains file: entry %d has no id", i)
		}
		if !strings.HasPrefix(c.RPCURL, "http://") && !strings.HasPrefix(c.RPCURL, "https://") &&
			!strings.HasPrefix(c.RPCURL, "ws://") && !strings.HasPrefix(c.RPCURL, "wss://") {
			return nil, fmt.Errorf("chains file: chain %d has invalid rpc_url", c.ID)
		}
	}
	return doc.Chains, nil
}

// MergeChains overlays override onto base by chain ID. Result is sorted by ID.
func MergeChains(base, override []Chain) []Chain {
	byID := make(map[int64]Chain, len(base)+len(override))
	for _, c := range base {
		byID[c.ID] = c
	}
	for _, c := range override {
		byID[c.ID] = c
	}
	out := make([]Chain, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
