package registry

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/dexroute/internal/model"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultRegistryYAML []byte

// DEX is a configured venue. Contract is the pool manager that owns all of
// the venue's pools and is the spender for approvals.
type DEX struct {
	ID          string
	Name        string
	Contract    common.Address
	SubgraphURL string
	FeeRate     float64
	pairs       map[string]struct{}
}

// Supports reports whether the DEX lists the pair. A DEX with no explicit
// pair list is assumed to support every pair.
func (d DEX) Supports(a, b common.Address) bool {
	if len(d.pairs) == 0 {
		return true
	}
	_, ok := d.pairs[pairKey(a, b)]
	return ok
}

// Registry is the read-only token/DEX configuration. It is built once at
// startup and never mutated afterwards.
type Registry struct {
	chainID    int64
	rpcURL     string
	defaultDEX string
	tokens     []model.Token
	bySymbol   map[string]model.Token
	byAddress  map[common.Address]model.Token
	priceIDs   map[string]string
	dexes      []DEX
	dexByKey   map[string]DEX
	oracles    map[string]common.Address
}

type fileRegistry struct {
	ChainID    int64  `yaml:"chain_id"`
	RPCURL     string `yaml:"rpc_url"`
	DefaultDEX string `yaml:"default_dex"`
	Tokens     []struct {
		Symbol   string `yaml:"symbol"`
		Address  string `yaml:"address"`
		Decimals int    `yaml:"decimals"`
		PriceID  string `yaml:"price_id"`
	} `yaml:"tokens"`
	DEXes []struct {
		ID       string     `yaml:"id"`
		Name     string     `yaml:"name"`
		Contract string     `yaml:"contract"`
		Subgraph string     `yaml:"subgraph"`
		FeeRate  float64    `yaml:"fee_rate"`
		Pairs    [][]string `yaml:"pairs"`
	} `yaml:"dexes"`
	Oracles map[string]string `yaml:"oracles"`
}

// Default returns the registry compiled into the binary.
func Default() (*Registry, error) {
	return Parse(defaultRegistryYAML)
}

// Load reads a registry file, falling back to the built-in default when
// path is empty.
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(buf)
}

func Parse(buf []byte) (*Registry, error) {
	var raw fileRegistry
	if err := yaml.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("parse registry yaml: %w", err)
	}
	reg := &Registry{
		chainID:   raw.ChainID,
		rpcURL:    strings.TrimSpace(raw.RPCURL),
		bySymbol:  map[string]model.Token{},
		byAddress: map[common.Address]model.Token{},
		priceIDs:  map[string]string{},
		dexByKey:  map[string]DEX{},
		oracles:   map[string]common.Address{},
	}
	for _, t := range raw.Tokens {
		symbol := strings.ToUpper(strings.TrimSpace(t.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("registry token missing symbol")
		}
		if !common.IsHexAddress(t.Address) {
			return nil, fmt.Errorf("registry token %s has invalid address %q", symbol, t.Address)
		}
		if t.Decimals < 0 || t.Decimals > 36 {
			return nil, fmt.Errorf("registry token %s has invalid decimals %d", symbol, t.Decimals)
		}
		if _, dup := reg.bySymbol[symbol]; dup {
			return nil, fmt.Errorf("registry token %s declared twice", symbol)
		}
		token := model.Token{Symbol: symbol, Address: common.HexToAddress(t.Address), Decimals: t.Decimals}
		reg.tokens = append(reg.tokens, token)
		reg.bySymbol[symbol] = token
		reg.byAddress[token.Address] = token
		if t.PriceID != "" {
			reg.priceIDs[symbol] = strings.TrimSpace(t.PriceID)
		}
	}
	for _, d := range raw.DEXes {
		dexID := strings.ToLower(strings.TrimSpace(d.ID))
		if dexID == "" {
			return nil, fmt.Errorf("registry dex missing id")
		}
		if !common.IsHexAddress(d.Contract) {
			return nil, fmt.Errorf("registry dex %s has invalid contract %q", dexID, d.Contract)
		}
		dex := DEX{
			ID:          dexID,
			Name:        strings.TrimSpace(d.Name),
			Contract:    common.HexToAddress(d.Contract),
			SubgraphURL: strings.TrimSpace(d.Subgraph),
			FeeRate:     d.FeeRate,
			pairs:       map[string]struct{}{},
		}
		if dex.Name == "" {
			dex.Name = dexID
		}
		for _, pair := range d.Pairs {
			if len(pair) != 2 {
				return nil, fmt.Errorf("registry dex %s has malformed pair %v", dexID, pair)
			}
			a, okA := reg.bySymbol[strings.ToUpper(pair[0])]
			b, okB := reg.bySymbol[strings.ToUpper(pair[1])]
			if !okA || !okB {
				return nil, fmt.Errorf("registry dex %s pair %v references unknown token", dexID, pair)
			}
			dex.pairs[pairKey(a.Address, b.Address)] = struct{}{}
		}
		if _, dup := reg.dexByKey[dexID]; dup {
			return nil, fmt.Errorf("registry dex %s declared twice", dexID)
		}
		reg.dexes = append(reg.dexes, dex)
		reg.dexByKey[dexID] = dex
		reg.dexByKey[strings.ToLower(dex.Name)] = dex
	}
	if len(reg.dexes) == 0 {
		return nil, fmt.Errorf("registry declares no dexes")
	}
	reg.defaultDEX = strings.ToLower(strings.TrimSpace(raw.DefaultDEX))
	if reg.defaultDEX == "" {
		reg.defaultDEX = reg.dexes[0].ID
	}
	if _, ok := reg.dexByKey[reg.defaultDEX]; !ok {
		return nil, fmt.Errorf("registry default_dex %q is not a declared dex", reg.defaultDEX)
	}
	for symbol, addr := range raw.Oracles {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("registry oracle for %s has invalid address %q", symbol, addr)
		}
		reg.oracles[strings.ToUpper(symbol)] = common.HexToAddress(addr)
	}
	return reg, nil
}

func (r *Registry) ChainID() int64 { return r.chainID }

func (r *Registry) RPCURL() string { return r.rpcURL }

// Token resolves a symbol or hex address.
func (r *Registry) Token(input string) (model.Token, bool) {
	clean := strings.TrimSpace(input)
	if common.IsHexAddress(clean) {
		token, ok := r.byAddress[common.HexToAddress(clean)]
		return token, ok
	}
	token, ok := r.bySymbol[strings.ToUpper(clean)]
	return token, ok
}

func (r *Registry) Tokens() []model.Token {
	out := make([]model.Token, len(r.tokens))
	copy(out, r.tokens)
	return out
}

func (r *Registry) PriceID(symbol string) (string, bool) {
	v, ok := r.priceIDs[strings.ToUpper(symbol)]
	return v, ok
}

// DEX looks up a venue by id or display name, case-insensitively.
func (r *Registry) DEX(idOrName string) (DEX, bool) {
	dex, ok := r.dexByKey[strings.ToLower(strings.TrimSpace(idOrName))]
	return dex, ok
}

func (r *Registry) DEXes() []DEX {
	out := make([]DEX, len(r.dexes))
	copy(out, r.dexes)
	return out
}

// DEXIDs returns all venue ids sorted.
func (r *Registry) DEXIDs() []string {
	ids := make([]string, 0, len(r.dexes))
	for _, d := range r.dexes {
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)
	return ids
}

// DefaultDEX is the conservative venue used by fallback recommendations.
func (r *Registry) DefaultDEX() DEX {
	return r.dexByKey[r.defaultDEX]
}

func (r *Registry) Oracle(symbol string) (common.Address, bool) {
	addr, ok := r.oracles[strings.ToUpper(symbol)]
	return addr, ok
}

// Pair resolves two token inputs into a pair. The tokens must differ.
func (r *Registry) Pair(a, b string) (model.Pair, error) {
	tokenA, ok := r.Token(a)
	if !ok {
		return model.Pair{}, fmt.Errorf("unknown token %q", a)
	}
	tokenB, ok := r.Token(b)
	if !ok {
		return model.Pair{}, fmt.Errorf("unknown token %q", b)
	}
	if tokenA.Address == tokenB.Address {
		return model.Pair{}, fmt.Errorf("token pair must contain two distinct tokens")
	}
	return model.Pair{A: tokenA, B: tokenB}, nil
}

func pairKey(a, b common.Address) string {
	x, y := strings.ToLower(a.Hex()), strings.ToLower(b.Hex())
	if y < x {
		x, y = y, x
	}
	return x + ":" + y
}
