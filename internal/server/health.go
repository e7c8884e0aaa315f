package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/movepoint/internal/circuitbreaker"
)

type healthResponse struct {
	Status   string                    `json:"status"`
	Breakers []circuitbreaker.Snapshot `json:"breakers"`
}

// Health reports liveness plus the state of every downstream breaker. An
// open breaker degrades the report but the process stays healthy.
func (s *Server) Health(c *gin.Context) {
	resp := healthResponse{Status: "ok", Breakers: []circuitbreaker.Snapshot{}}
	if s.breakers != nil {
		resp.Breakers = s.breakers.States()
	}
	for _, b := range resp.Breakers {
		if b.Phase != circuitbreaker.PhaseClosed {
			resp.Status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, resp)
}
