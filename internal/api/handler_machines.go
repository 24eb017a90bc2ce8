package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"rvm-session-backend/internal/model"
)

// machineStatusResponse is the operator view of one machine.
type machineStatusResponse struct {
	Code          string  `json:"code"`
	SiteID        int64   `json:"site_id"`
	SiteName      string  `json:"site_name"`
	DisplayName   string  `json:"display_name"`
	Status        string  `json:"status"` // "idle" or "in_use"
	CurrentHolder *string `json:"current_holder,omitempty"`
	Connected     bool    `json:"connected"`
}

// GetMachines handles GET /api/machines, the operator machine list.
func (h *Handler) GetMachines(c *gin.Context) {
	machines, err := h.store.ListMachines(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve machines"})
		return
	}

	response := make([]machineStatusResponse, 0, len(machines))
	for _, m := range machines {
		status := "idle"
		if m.IsLocked {
			status = "in_use"
		}
		response = append(response, machineStatusResponse{
			Code:          m.Code,
			SiteID:        m.SiteID,
			SiteName:      m.Site.Name,
			DisplayName:   m.DisplayName,
			Status:        status,
			CurrentHolder: m.CurrentHolder,
			Connected:     m.Online,
		})
	}
	c.JSON(http.StatusOK, response)
}

// SiteResponse represents the API response for a single site.
type SiteResponse struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	TotalMachines int64  `json:"totalMachines"`
}

// GetSites handles the GET /api/sites request.
func GetSites(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sites []model.Site
		if err := db.Find(&sites).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve sites"})
			return
		}

		type aggRow struct {
			SiteID int64
			Total  int64
		}
		var rows []aggRow
		if err := db.Model(&model.Machine{}).
			Select("site_id, COUNT(*) AS total").
			Group("site_id").
			Scan(&rows).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to aggregate machines"})
			return
		}

		totals := make(map[int64]int64, len(rows))
		for _, r := range rows {
			totals[r.SiteID] = r.Total
		}

		response := make([]SiteResponse, 0, len(sites))
		for _, s := range sites {
			response = append(response, SiteResponse{
				ID:            s.ID,
				Name:          s.Name,
				TotalMachines: totals[s.ID],
			})
		}
		c.JSON(http.StatusOK, response)
	}
}
