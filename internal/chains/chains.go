// Package chains describes the EVM networks the escrow ledger is deployed on.
//
// The registry is built once from configuration and never mutated. Exactly one
// network is active at a time; callers may still address any configured
// network by key.
package chains

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hillside/hillside-escrow/internal/config"
)

var (
	ErrUnknownChain  = errors.New("unsupported chain key")
	ErrChainDisabled = errors.New("chain is disabled")
)

// IsRequestError reports whether err came from addressing a network that is
// unknown or switched off, as opposed to a failure talking to it.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrUnknownChain) || errors.Is(err, ErrChainDisabled)
}

// Known network keys.
const (
	Sepolia = "sepolia"
	Amoy    = "amoy"
)

// Config is the immutable description of one network.
type Config struct {
	Key               string `json:"key"`
	ChainID           int64  `json:"chainId"`
	RPCURL            string `json:"-"`
	EscrowContract    string `json:"escrowContractAddress"`
	GuestPassContract string `json:"guestPassContractAddress"`
	SignerKey         string `json:"-"`
	ExplorerBaseURL   string `json:"explorerBaseUrl"`
	Enabled           bool   `json:"enabled"`
}

// TxURL returns the explorer link for a transaction hash, or "" when the
// network has no explorer configured.
func (c Config) TxURL(txHash string) string {
	if c.ExplorerBaseURL == "" || txHash == "" {
		return ""
	}
	return c.ExplorerBaseURL + txHash
}

// Registry holds every configured network plus the active key.
type Registry struct {
	chains    map[string]Config
	order     []string
	activeKey string
}

// NewRegistry builds the registry from the chain section of the app config.
func NewRegistry(cfg config.ChainsConfig) *Registry {
	allowed := normalizeKeys(cfg.AllowedKeys)

	return New(cfg.ActiveKey,
		fromNetwork(Sepolia, cfg.Sepolia, allowed[Sepolia]),
		fromNetwork(Amoy, cfg.Amoy, allowed[Amoy]),
	)
}

// New builds a registry from explicit network configs. Earlier configs win
// the active-chain fallback.
func New(activeKey string, networks ...Config) *Registry {
	r := &Registry{
		chains:    make(map[string]Config, len(networks)),
		activeKey: strings.ToLower(strings.TrimSpace(activeKey)),
	}
	for _, n := range networks {
		n.Key = strings.ToLower(n.Key)
		if _, dup := r.chains[n.Key]; !dup {
			r.order = append(r.order, n.Key)
		}
		r.chains[n.Key] = n
	}
	return r
}

func fromNetwork(key string, n config.NetworkConfig, enabled bool) Config {
	return Config{
		Key:               key,
		ChainID:           n.ChainID,
		RPCURL:            n.RPCURL,
		EscrowContract:    n.EscrowContract,
		GuestPassContract: n.GuestPassContract,
		SignerKey:         n.SignerKey,
		ExplorerBaseURL:   n.ExplorerBaseURL,
		Enabled:           enabled,
	}
}

func normalizeKeys(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, v := range strings.Split(raw, ",") {
		if k := strings.ToLower(strings.TrimSpace(v)); k != "" {
			out[k] = true
		}
	}
	return out
}

// Lookup returns the config for key regardless of enablement.
func (r *Registry) Lookup(key string) (Config, bool) {
	c, ok := r.chains[strings.ToLower(strings.TrimSpace(key))]
	return c, ok
}

// Get returns the config for key, failing on unknown or disabled networks.
func (r *Registry) Get(key string) (Config, error) {
	k := strings.ToLower(strings.TrimSpace(key))
	c, ok := r.chains[k]
	if !ok {
		return Config{}, fmt.Errorf("%w '%s'", ErrUnknownChain, k)
	}
	if !c.Enabled {
		return Config{}, fmt.Errorf("chain '%s' is disabled: %w", k, ErrChainDisabled)
	}
	return c, nil
}

// Active returns the active network. An invalid active key falls back to the
// first enabled network, then to the first configured one, so a
// misconfigured environment still serves requests.
func (r *Registry) Active() Config {
	if c, ok := r.chains[r.activeKey]; ok {
		return c
	}
	for _, k := range r.order {
		if r.chains[k].Enabled {
			return r.chains[k]
		}
	}
	if len(r.order) > 0 {
		return r.chains[r.order[0]]
	}
	return Config{}
}

// Resolve returns the key to use for a request: the explicit key if set,
// otherwise the active chain.
func (r *Registry) Resolve(key string) string {
	if k := strings.ToLower(strings.TrimSpace(key)); k != "" {
		return k
	}
	return r.Active().Key
}

// All returns a copy of every configured network by key.
func (r *Registry) All() map[string]Config {
	out := make(map[string]Config, len(r.chains))
	for k, v := range r.chains {
		out[k] = v
	}
	return out
}

// Keys returns the configured keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.chains))
	for k := range r.chains {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
