package upstream

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GenesisConfig bundles the genesis header broadcast to the upstream
// node with the public key that node is expected to authenticate
// itself with during the handshake.
type GenesisConfig struct {
	Header        []byte
	PeerPublicKey [32]byte
}

// genesisOverride lets an operator point a session at a devnet or
// testnet genesis header and peer key via config file instead of a
// rebuild.
type genesisOverride struct {
	HeaderHex        string `yaml:"genesis_header_hex"`
	PeerPublicKeyHex string `yaml:"peer_public_key_hex"`
}

// LoadGenesis reads a YAML override file at path and returns the
// decoded genesis header and expected peer public key. An empty path
// returns defaultConfig unchanged.
func LoadGenesis(path string, defaultConfig GenesisConfig) (GenesisConfig, error) {
	if path == "" {
		return defaultConfig, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return GenesisConfig{}, fmt.Errorf("read genesis override: %w", err)
	}

	var override genesisOverride
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return GenesisConfig{}, fmt.Errorf("parse genesis override: %w", err)
	}

	header, err := hex.DecodeString(override.HeaderHex)
	if err != nil {
		return GenesisConfig{}, fmt.Errorf("decode genesis_header_hex: %w", err)
	}

	peerKeyBytes, err := hex.DecodeString(override.PeerPublicKeyHex)
	if err != nil {
		return GenesisConfig{}, fmt.Errorf("decode peer_public_key_hex: %w", err)
	}
	if len(peerKeyBytes) != 32 {
		return GenesisConfig{}, fmt.Errorf("peer_public_key_hex must decode to 32 bytes, got %d", len(peerKeyBytes))
	}

	var cfg GenesisConfig
	cfg.Header = header
	copy(cfg.PeerPublicKey[:], peerKeyBytes)
	return cfg, nil
}
