package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Networks map[string]Definition `yaml:"networks"`
}

// Definition describes a single network entry.
type Definition struct {
	Type         string            `yaml:"type"`
	ChainID      uint64            `yaml:"chain_id"`
	RPCURL       string            `yaml:"rpc_url"`
	NativeSymbol string            `yaml:"native_symbol"`
	GasPriceHint string            `yaml:"gas_price_hint"`
	FeeTiers     []uint32          `yaml:"fee_tiers"`
	Contracts    map[string]string `yaml:"contracts"`
	Tokens       map[string]string `yaml:"tokens"`
	Description  string            `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing network metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Networks: map[string]Definition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取网络配置失败: %w", err)
	}
	return ParseDefinitions(content)
}

// ParseDefinitions decodes network definitions from raw YAML.
func ParseDefinitions(content []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析网络配置失败: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]Definition{}
	}
	return defs, nil
}
