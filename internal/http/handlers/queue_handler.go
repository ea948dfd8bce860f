// README: Queue handler reporting the last published change per cargo type.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet/internal/modules/booking"
	"fleet/internal/modules/matching"
)

type ChangeReader interface {
	LastChange(ctx context.Context, t booking.CargoType) (matching.QueueChange, bool, error)
}

type QueueHandler struct {
	changes ChangeReader
}

func NewQueueHandler(changes ChangeReader) *QueueHandler {
	return &QueueHandler{changes: changes}
}

func (h *QueueHandler) Get(c *gin.Context) {
	t, ok := parseType(c.Param("type"), false)
	if !ok {
		writeError(c, http.StatusBadRequest, "type must be 20 or 40")
		return
	}
	change, found, err := h.changes.LastChange(c.Request.Context(), t)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	resp := gin.H{"type": int(t), "last_change": nil}
	if found {
		resp["last_change"] = change
	}
	writeJSON(c, http.StatusOK, resp)
}
