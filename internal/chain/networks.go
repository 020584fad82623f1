// Package chain handles all interaction with the escrow contract's chain:
// network registry, read-only contract calls, gas estimation, and
// transaction receipt verification.
package chain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/debazaar/escrowd/internal/token"
)

var (
	ErrUnknownNetwork    = errors.New("chain: unknown network")
	ErrUnknownToken      = errors.New("chain: token not configured on this network")
	ErrEscrowNotDeployed = errors.New("chain: escrow contract not deployed on this network")
)

// Token describes an ERC-20 token configured on a network.
type Token struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
}

// Network describes a chain the service can build transactions for.
// EscrowContract, Arbiter and FunctionsConsumer may be empty on networks
// where the escrow system is not deployed; escrow operations on such
// networks fail with ErrEscrowNotDeployed instead of defaulting.
type Network struct {
	Name              string           `json:"name"`
	ChainID           int64            `json:"chainId"`
	RPCURL            string           `json:"rpcUrl"`
	EscrowContract    string           `json:"escrowContract,omitempty"`
	Arbiter           string           `json:"arbiter,omitempty"`
	FunctionsConsumer string           `json:"functionsConsumer,omitempty"`
	Tokens            map[string]Token `json:"tokens"`
}

// EscrowAddress returns the escrow contract address, or
// ErrEscrowNotDeployed when the network has none configured.
func (n Network) EscrowAddress() (common.Address, error) {
	if n.EscrowContract == "" {
		return common.Address{}, fmt.Errorf("%w: %s", ErrEscrowNotDeployed, n.Name)
	}
	return common.HexToAddress(n.EscrowContract), nil
}

// TokenBySymbol resolves a configured token by its symbol.
func (n Network) TokenBySymbol(symbol string) (Token, error) {
	t, ok := n.Tokens[symbol]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s on %s", ErrUnknownToken, symbol, n.Name)
	}
	return t, nil
}

// Networks returns the built-in network registry.
func Networks() map[string]Network {
	return map[string]Network{
		"arbitrum_sepolia": {
			Name:              "arbitrum_sepolia",
			ChainID:           421614,
			RPCURL:            "https://sepolia-rollup.arbitrum.io/rpc",
			EscrowContract:    "0x8e601797f52AECD270484151Cc39C4074e0E861E",
			Arbiter:           "0xdc58De22A66c81672dA2D885944d343E9d2BFB04",
			FunctionsConsumer: "0x0A77e401Ea1808e5d91314DE09f12072774b0953",
			Tokens: map[string]Token{
				// Single test token deployed behind all three symbols.
				"PYUSD": {Symbol: "PYUSD", Address: "0xC9C401E0094B2d3d796Ed074b023551038b84F07", Decimals: token.DefaultDecimals},
				"USDC":  {Symbol: "USDC", Address: "0xC9C401E0094B2d3d796Ed074b023551038b84F07", Decimals: token.DefaultDecimals},
				"USDT":  {Symbol: "USDT", Address: "0xC9C401E0094B2d3d796Ed074b023551038b84F07", Decimals: token.DefaultDecimals},
			},
		},
		"arbitrum_one": {
			Name:    "arbitrum_one",
			ChainID: 42161,
			RPCURL:  "https://arb1.arbitrum.io/rpc",
			Tokens: map[string]Token{
				"USDC": {Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: token.DefaultDecimals},
				"USDT": {Symbol: "USDT", Address: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", Decimals: token.DefaultDecimals},
			},
		},
	}
}

// GetNetwork looks up a network by name.
func GetNetwork(name string) (Network, error) {
	n, ok := Networks()[name]
	if !ok {
		return Network{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
	}
	return n, nil
}
