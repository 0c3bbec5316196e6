package chains

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Overview is the secret-free view of a network served to operators.
type Overview struct {
	Key                         string `json:"key"`
	ChainID                     int64  `json:"chainId"`
	Enabled                     bool   `json:"enabled"`
	RPCConfigured               bool   `json:"rpcConfigured"`
	ContractConfigured          bool   `json:"contractConfigured"`
	GuestPassContractConfigured bool   `json:"guestPassContractConfigured"`
	SignerConfigured            bool   `json:"signerConfigured"`
	EscrowContract              string `json:"escrowContractAddress,omitempty"`
	ExplorerBaseURL             string `json:"explorerBaseUrl,omitempty"`
}

// OverviewOf summarizes c without exposing the RPC URL or signer key.
func OverviewOf(c Config) Overview {
	return Overview{
		Key:                         c.Key,
		ChainID:                     c.ChainID,
		Enabled:                     c.Enabled,
		RPCConfigured:               c.RPCURL != "",
		ContractConfigured:          c.EscrowContract != "",
		GuestPassContractConfigured: c.GuestPassContract != "",
		SignerConfigured:            c.SignerKey != "",
		EscrowContract:              c.EscrowContract,
		ExplorerBaseURL:             c.ExplorerBaseURL,
	}
}

// Overviews returns the overview of every network keyed by chain key.
func (r *Registry) Overviews() map[string]Overview {
	out := make(map[string]Overview, len(r.chains))
	for k, c := range r.chains {
		out[k] = OverviewOf(c)
	}
	return out
}

// Handler serves the chain configuration endpoint.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new chain config handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterAdminRoutes sets up operator-only chain routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/chains", h.ListChains)
}

// ListChains handles GET /v2/chains
func (h *Handler) ListChains(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"activeChain": OverviewOf(h.registry.Active()),
		"chains":      h.registry.Overviews(),
	})
}
