package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/polkatrace/graph-engine/internal/db"
	"github.com/polkatrace/graph-engine/internal/validate"
	"github.com/polkatrace/graph-engine/pkg/models"
)

// Search is GET /api/addresses/search.
func (h *Handler) Search(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		respondFieldError(c, codeInvalidParameters, "q", "search term is required")
		return
	}
	if len(q) > 64 {
		q = q[:64]
	}
	limit := validate.IntInRange(c.Query("limit"), 10, 1, 50)

	accounts, err := h.store.SearchAccounts(c.Request.Context(), q, limit)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": accounts, "count": len(accounts)})
}

// GetAddress is GET /api/addresses/:address.
func (h *Handler) GetAddress(c *gin.Context) {
	address := c.Param("address")
	if err := validate.Address(address); err != nil {
		h.respondMapped(c, err)
		return
	}

	if err := h.collector.EnsureFresh(c.Request.Context(), address); err != nil &&
		!errors.Is(err, db.ErrNotFound) {
		h.log.Warn().Err(err).Str("address", address).Msg("refresh failed, serving local data")
	}

	acct, err := h.store.GetAccount(c.Request.Context(), address)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	resp := gin.H{"account": acct}
	if stats, err := h.store.GetAccountStats(c.Request.Context(), address); err == nil {
		resp["stats"] = stats
	}
	c.JSON(http.StatusOK, resp)
}

// GetTransfers is GET /api/addresses/:address/transfers.
func (h *Handler) GetTransfers(c *gin.Context) {
	address := c.Param("address")
	if err := validate.Address(address); err != nil {
		h.respondMapped(c, err)
		return
	}
	limit := validate.IntInRange(c.Query("limit"), 25, 1, 100)
	offset := validate.IntInRange(c.Query("offset"), 0, 0, 100000)

	transfers, err := h.store.ListTransfers(c.Request.Context(), address, limit, offset)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	if transfers == nil {
		transfers = []models.Transfer{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transfers": transfers,
		"limit":     limit,
		"offset":    offset,
	})
}

// GetRelationships is GET /api/addresses/:address/relationships.
// The store is the fast path; for addresses never ingested the upstream
// client derives the same shape from two directional scans.
func (h *Handler) GetRelationships(c *gin.Context) {
	address := c.Param("address")
	if err := validate.Address(address); err != nil {
		h.respondMapped(c, err)
		return
	}
	limit := validate.IntInRange(c.Query("limit"), 20, 1, 100)
	minVol, err := validate.Volume(c.Query("minVolume"), h.log)
	if err != nil {
		h.respondMapped(c, err)
		return
	}

	rels, err := h.store.StoredRelationships(c.Request.Context(), address, limit, minVol)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	source := "store"
	if len(rels) == 0 && h.client != nil {
		rels, err = h.client.GetRelationships(c.Request.Context(), address, limit)
		if err != nil {
			h.respondMapped(c, err)
			return
		}
		source = "upstream"
	}
	if rels == nil {
		rels = []models.Relationship{}
	}
	c.JSON(http.StatusOK, gin.H{
		"relationships": rels,
		"count":         len(rels),
		"source":        source,
	})
}
