// README: Trip and truck booking handlers: create, get, list, cancel, queue position, available trucks.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet/internal/modules/booking"
	"fleet/internal/modules/cancellation"
	"fleet/internal/types"
)

type Canceller interface {
	Cancel(ctx context.Context, cmd cancellation.CancelCommand) (cancellation.CancelResult, error)
}

type Positioner interface {
	QueuePosition(ctx context.Context, ref booking.Ref) (int, error)
}

type BookingHandler struct {
	bookings *booking.Service
	cancels  Canceller
	queue    Positioner
}

func NewBookingHandler(bookings *booking.Service, cancels Canceller, queue Positioner) *BookingHandler {
	return &BookingHandler{bookings: bookings, cancels: cancels, queue: queue}
}

func (h *BookingHandler) CreateTrip(c *gin.Context) {
	var req createTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	b, err := h.bookings.CreateTrip(c.Request.Context(), booking.CreateTripCommand{
		CompanyID:   types.ID(req.CompanyID),
		PartyName:   req.PartyName,
		CargoType:   booking.CargoType(req.Type),
		Destination: req.Destination,
		Rate:        money(req.Rate),
		Contact:     req.Contact.toContact(),
		Remarks:     req.Remarks,
		Actor:       actor(c),
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newTripResp(b))
}

func (h *BookingHandler) GetTrip(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	b, err := h.bookings.GetTrip(c.Request.Context(), id)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newTripResp(b))
}

// ListTrips handles GET /trip-bookings?company_id=&status=&contact=&limit=.
func (h *BookingHandler) ListTrips(c *gin.Context) {
	company, okCompany := queryID(c, "company_id")
	limit, okLimit := queryLimit(c)
	if !okCompany || !okLimit {
		writeError(c, http.StatusBadRequest, "invalid query")
		return
	}
	trips, err := h.bookings.ListTrips(c.Request.Context(), booking.TripFilter{
		CompanyID:     company,
		Status:        booking.Status(c.Query("status")),
		ContactNumber: c.Query("contact"),
		Limit:         limit,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trip_bookings": newTripResps(trips)})
}

func (h *BookingHandler) CreateTruck(c *gin.Context) {
	var req createTruckReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	b, err := h.bookings.CreateTruck(c.Request.Context(), booking.CreateTruckCommand{
		CompanyID: types.ID(req.CompanyID),
		TruckID:   types.ID(req.TruckID),
		Contact:   req.Contact.toContact(),
		Remarks:   req.Remarks,
		Actor:     actor(c),
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newTruckBookingResp(b))
}

func (h *BookingHandler) GetTruckBooking(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	b, err := h.bookings.GetTruckBooking(c.Request.Context(), id)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newTruckBookingResp(b))
}

// ListTruckBookings handles GET /truck-bookings. ?contact= finds a driver's
// bookings by mobile number.
func (h *BookingHandler) ListTruckBookings(c *gin.Context) {
	company, okCompany := queryID(c, "company_id")
	truck, okTruck := queryID(c, "truck_id")
	limit, okLimit := queryLimit(c)
	if !okCompany || !okTruck || !okLimit {
		writeError(c, http.StatusBadRequest, "invalid query")
		return
	}
	bookings, err := h.bookings.ListTruckBookings(c.Request.Context(), booking.TruckBookingFilter{
		CompanyID:     company,
		TruckID:       truck,
		Status:        booking.Status(c.Query("status")),
		ContactNumber: c.Query("contact"),
		Limit:         limit,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"truck_bookings": newTruckBookingResps(bookings)})
}

// Cancel handles POST /:id/cancel for bookings of kind k.
func (h *BookingHandler) Cancel(k booking.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var req cancelReq
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
		res, err := h.cancels.Cancel(c.Request.Context(), cancellation.CancelCommand{
			Ref:    booking.Ref{Kind: k, ID: id},
			Actor:  actor(c),
			Reason: req.Reason,
		})
		if err != nil {
			writeBookingError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, newCancelResp(res))
	}
}

// Position handles GET /:id/position; 0 means the booking is not queued.
func (h *BookingHandler) Position(k booking.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		pos, err := h.queue.QueuePosition(c.Request.Context(), booking.Ref{Kind: k, ID: id})
		if err != nil {
			writeBookingError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, gin.H{"kind": k, "id": id, "position": pos})
	}
}

func (h *BookingHandler) AvailableTrucks(c *gin.Context) {
	t, ok := parseType(c.Query("type"), true)
	if !ok {
		writeError(c, http.StatusBadRequest, "type must be 20 or 40")
		return
	}
	trucks, err := h.bookings.AvailableTrucks(c.Request.Context(), t)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trucks": newTruckResps(trucks)})
}
