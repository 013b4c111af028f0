package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/polkatrace/graph-engine/internal/validate"
	"github.com/polkatrace/graph-engine/pkg/models"
)

// CreateInvestigation is POST /api/investigations.
func (h *Handler) CreateInvestigation(c *gin.Context) {
	var req struct {
		Title     string   `json:"title" binding:"required"`
		Notes     string   `json:"notes"`
		Addresses []string `json:"addresses" binding:"required"`
		Findings  string   `json:"findings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidParameters, "invalid request body: "+err.Error())
		return
	}
	if len(req.Addresses) == 0 {
		respondFieldError(c, codeInvalidParameters, "addresses", "at least one address is required")
		return
	}
	for _, addr := range req.Addresses {
		if err := validate.Address(addr); err != nil {
			respondFieldError(c, codeInvalidAddress, "addresses", "invalid address "+addr)
			return
		}
	}

	now := time.Now().UTC()
	inv := &models.Investigation{
		ID:        uuid.NewString(),
		Title:     req.Title,
		Notes:     req.Notes,
		Addresses: req.Addresses,
		Findings:  req.Findings,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.SaveInvestigation(c.Request.Context(), inv); err != nil {
		h.respondMapped(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

// GetInvestigation is GET /api/investigations/:id.
func (h *Handler) GetInvestigation(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		respondFieldError(c, codeInvalidParameters, "id", "id must be a UUID")
		return
	}
	inv, err := h.store.GetInvestigation(c.Request.Context(), id)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// ListInvestigations is GET /api/investigations.
func (h *Handler) ListInvestigations(c *gin.Context) {
	limit := validate.IntInRange(c.Query("limit"), 50, 1, 100)
	invs, err := h.store.ListInvestigations(c.Request.Context(), limit)
	if err != nil {
		h.respondMapped(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"investigations": invs, "count": len(invs)})
}
