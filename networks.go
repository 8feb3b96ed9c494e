package x402

import "fmt"

// NetworkFamily represents the blockchain execution family of a network.
type NetworkFamily int

const (
	// FamilyUnknown represents an unrecognized network.
	FamilyUnknown NetworkFamily = iota
	// FamilyEVM represents Ethereum Virtual Machine chains.
	FamilyEVM
	// FamilySVM represents Solana Virtual Machine chains.
	FamilySVM
)

// Network identifiers as they appear on the wire.
const (
	// EVM Mainnets
	NetworkBase      = "base"
	NetworkEthereum  = "ethereum"
	NetworkPolygon   = "polygon"
	NetworkAvalanche = "avalanche"

	// EVM Testnets
	NetworkBaseSepolia   = "base-sepolia"
	NetworkSepolia       = "sepolia"
	NetworkPolygonAmoy   = "polygon-amoy"
	NetworkAvalancheFuji = "avalanche-fuji"

	// Solana
	NetworkSolana       = "solana"
	NetworkSolanaDevnet = "solana-devnet"
)

// NetworkConfig holds static configuration for a supported blockchain.
type NetworkConfig struct {
	// Name is the wire network identifier.
	Name string

	// Family is the chain's execution family.
	Family NetworkFamily

	// ChainID is the EIP-155 chain ID (EVM chains only).
	ChainID int64

	// USDCAddress is the official Circle USDC contract or mint address.
	USDCAddress string

	// USDCDecimals is the number of decimal places for USDC (always 6).
	USDCDecimals uint8

	// EIP3009Name is the EIP-712 domain parameter "name" (empty for non-EVM chains).
	EIP3009Name string

	// EIP3009Version is the EIP-712 domain parameter "version" (empty for non-EVM chains).
	EIP3009Version string

	// DefaultRPC is a public RPC endpoint used when no client is injected.
	DefaultRPC string
}

var networkConfigs = map[string]NetworkConfig{
	NetworkBase: {
		Name:           NetworkBase,
		Family:         FamilyEVM,
		ChainID:        8453,
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		USDCDecimals:   6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		DefaultRPC:     "https://mainnet.base.org",
	},
	NetworkBaseSepolia: {
		Name:           NetworkBaseSepolia,
		Family:         FamilyEVM,
		ChainID:        84532,
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		USDCDecimals:   6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
		DefaultRPC:     "https://sepolia.base.org",
	},
	NetworkEthereum: {
		Name:           NetworkEthereum,
		Family:         FamilyEVM,
		ChainID:        1,
		USDCAddress:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		USDCDecimals:   6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		DefaultRPC:     "https://ethereum-rpc.publicnode.com",
	},
	NetworkSepolia: {
		Name:           NetworkSepolia,
		Family:         FamilyEVM,
		ChainID:        11155111,
		USDCAddress:    "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		USDCDecimals:   6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
		DefaultRPC:     "https://ethereum-sepolia-rpc.publicnode.com",
	},
	NetworkPolygon: {
		Name:           NetworkPolygon,
		Family:         FamilyEVM,
		ChainID:        137,
		USDCAddress:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		USDCDecimals:   6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		DefaultRPC:     "https://polygon-rpc.com",
	},
	NetworkPolygonAmoy: {
		Name:           NetworkPolygonAmoy,
		Family:         FamilyEVM,
		ChainID:        80002,
		USDCAddress:    "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		USDCDecimals:   6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
		DefaultRPC:     "https://rpc-amoy.polygon.technology",
	},
	NetworkAvalanche: {
		Name:           NetworkAvalanche,
		Family:         FamilyEVM,
		ChainID:        43114,
		USDCAddress:    "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		USDCDecimals:   6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		DefaultRPC:     "https://api.avax.network/ext/bc/C/rpc",
	},
	NetworkAvalancheFuji: {
		Name:           NetworkAvalancheFuji,
		Family:         FamilyEVM,
		ChainID:        43113,
		USDCAddress:    "0x5425890298aed601595a70AB815c96711a31Bc65",
		USDCDecimals:   6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		DefaultRPC:     "https://api.avax-test.network/ext/bc/C/rpc",
	},
	NetworkSolana: {
		Name:         NetworkSolana,
		Family:       FamilySVM,
		USDCAddress:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		USDCDecimals: 6,
		DefaultRPC:   "https://api.mainnet-beta.solana.com",
	},
	NetworkSolanaDevnet: {
		Name:         NetworkSolanaDevnet,
		Family:       FamilySVM,
		USDCAddress:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		USDCDecimals: 6,
		DefaultRPC:   "https://api.devnet.solana.com",
	},
}

// GetNetwork returns the configuration for a network identifier.
// Returns ErrInvalidNetwork if the network is not recognized.
func GetNetwork(name string) (NetworkConfig, error) {
	config, ok := networkConfigs[name]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, name)
	}
	return config, nil
}

// NetworkFamilyOf returns the execution family of a network identifier.
func NetworkFamilyOf(name string) (NetworkFamily, error) {
	config, err := GetNetwork(name)
	if err != nil {
		return FamilyUnknown, err
	}
	return config.Family, nil
}

// GetChainID returns the EIP-155 chain ID for an EVM network identifier.
// Returns an error for non-EVM or unrecognized networks.
func GetChainID(network string) (int64, error) {
	config, err := GetNetwork(network)
	if err != nil {
		return 0, err
	}
	if config.Family != FamilyEVM {
		return 0, fmt.Errorf("%w: not an EVM network: %s", ErrInvalidNetwork, network)
	}
	return config.ChainID, nil
}

// Networks returns the identifiers of all supported networks.
func Networks() []string {
	names := make([]string, 0, len(networkConfigs))
	for name := range networkConfigs {
		names = append(names, name)
	}
	return names
}

// NewUSDCTokenConfig creates a TokenConfig for USDC on the given network with
// the specified priority. For other tokens, construct TokenConfig directly.
func NewUSDCTokenConfig(network NetworkConfig, priority int) TokenConfig {
	return TokenConfig{
		Address:  network.USDCAddress,
		Symbol:   "USDC",
		Decimals: int(network.USDCDecimals),
		Priority: priority,
		Name:     "USD Coin",
	}
}
