package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/proctor/internal/app/orch"
	"github.com/dkeye/proctor/internal/core"
	"github.com/dkeye/proctor/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// OfferHandler serves POST /offer: {sdp, type, user_id} in, {sdp, type} out.
func OfferHandler(o *orch.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req domain.Offer
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}
		req.Client = c.GetString(clientTokenKey)

		answer, err := o.Negotiate(c.Request.Context(), req)
		if err != nil {
			status := statusOf(err)
			msg := http.StatusText(status)
			if status == http.StatusBadRequest {
				msg = err.Error()
			}
			log.Warn().Err(err).Str("module", "adapters.http").Int("status", status).Msg("offer rejected")
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, answer)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidOffer):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
