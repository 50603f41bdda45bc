package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) ListProfiles(c *gin.Context) {
	names := h.profiles.Names()

	profiles := make([]gin.H, 0, len(names))
	for _, name := range names {
		p, err := h.profiles.Get(name)
		if err != nil {
			continue
		}
		profiles = append(profiles, gin.H{
			"name":        p.Name,
			"description": p.Description,
			"algorithm":   p.Algorithm,
			"expires":     p.Expires.String(),
			"default":     p.Name == h.cfg.DefaultProfile,
		})
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles, "count": len(profiles)})
}

// ReloadProfiles re-reads the profile directory. A broken directory keeps
// the previous cache, so a bad edit never takes down issuance.
func (h *Handler) ReloadProfiles(c *gin.Context) {
	if err := h.profiles.Reload(); err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.WithField("profiles", h.profiles.Names()).Info("Profile store reloaded")
	c.JSON(http.StatusOK, gin.H{"profiles": h.profiles.Names()})
}
