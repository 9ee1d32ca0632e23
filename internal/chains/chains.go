// Package chains holds the static per-chain lookup tables: the canonical
// stablecoin used as the default quote token, and a human-readable name.
// Unknown chain ids fall back to Ethereum mainnet (chain 1).
package chains

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultChainID is returned for any chain id not in the tables.
const DefaultChainID uint64 = 1

type chainInfo struct {
	Name       string
	Stablecoin common.Address // USDC
}

var table = map[uint64]chainInfo{
	1:     {"Ethereum", common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")},
	10:    {"Optimism", common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85")},
	56:    {"BNB Chain", common.HexToAddress("0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d")},
	137:   {"Polygon", common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359")},
	324:   {"zkSync", common.HexToAddress("0x1d17CBcF0D6D143135aE902365D2E5e2A16538D4")},
	8453:  {"Base", common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")},
	42161: {"Arbitrum", common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")},
	43114: {"Avalanche", common.HexToAddress("0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E")},
}

func lookup(chainID uint64) chainInfo {
	if info, ok := table[chainID]; ok {
		return info
	}
	return table[DefaultChainID]
}

// Name returns the display name for chainID.
func Name(chainID uint64) string {
	return lookup(chainID).Name
}

// Label names chainID for logs and metric labels: the table name when the
// chain is listed, else its decimal id. It never falls back to chain 1.
func Label(chainID uint64) string {
	if info, ok := table[chainID]; ok {
		return info.Name
	}
	return strconv.FormatUint(chainID, 10)
}

// Stablecoin returns the stablecoin address for chainID.
func Stablecoin(chainID uint64) common.Address {
	return lookup(chainID).Stablecoin
}

// Known reports whether chainID has its own table entry.
func Known(chainID uint64) bool {
	_, ok := table[chainID]
	return ok
}
