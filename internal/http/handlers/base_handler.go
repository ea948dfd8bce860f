// README: Base handler utilities (JSON helpers, error mapping, path parsing).
package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fleet/internal/http/middleware"
	"fleet/internal/modules/booking"
	"fleet/internal/types"
)

const maxIDLen = 64

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts uuids and the seeded registry ids (letters, digits, '-', '_').
func isValidID(v string) bool {
	if v == "" || len(v) > maxIDLen {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeBookingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, booking.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, booking.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, booking.ErrTruckBusy),
		errors.Is(err, booking.ErrConflict),
		errors.Is(err, booking.ErrInvalidState),
		errors.Is(err, booking.ErrInvalidStatus):
		writeError(c, http.StatusConflict, err.Error())
	default:
		log.Printf("[http] %s %s: %v", c.Request.Method, c.FullPath(), err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// pathID reads the :id parameter, writing a 400 when it is malformed.
func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return types.ID(id), true
}

// parseType reads a cargo type; empty means any when optional.
func parseType(raw string, optional bool) (booking.CargoType, bool) {
	if raw == "" {
		return 0, optional
	}
	n, err := strconv.Atoi(raw)
	if err != nil || !booking.CargoType(n).Valid() {
		return 0, false
	}
	return booking.CargoType(n), true
}

// queryID reads an optional id query parameter.
func queryID(c *gin.Context, key string) (types.ID, bool) {
	v := c.Query(key)
	if v == "" {
		return "", true
	}
	return types.ID(v), isValidID(v)
}

// queryLimit reads ?limit=; 0 lets the service pick its default.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil && n >= 0
}

func actor(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

func idPtr(id *types.ID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
