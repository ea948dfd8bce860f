// README: Allocation handlers for manual allocate, get, list, accept and complete.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet/internal/modules/booking"
	"fleet/internal/modules/matching"
	"fleet/internal/types"
)

type Allocator interface {
	AllocatePair(ctx context.Context, tripID, truckBookingID, actor types.ID) (matching.Result, error)
	Accept(ctx context.Context, allocationID, actor types.ID) (*booking.Allocation, error)
	Complete(ctx context.Context, allocationID, actor types.ID) (*booking.Allocation, error)
}

type AllocationHandler struct {
	bookings *booking.Service
	matching Allocator
}

func NewAllocationHandler(bookings *booking.Service, m Allocator) *AllocationHandler {
	return &AllocationHandler{bookings: bookings, matching: m}
}

func (h *AllocationHandler) Create(c *gin.Context) {
	var req allocateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.TripBookingID) || !isValidID(req.TruckBookingID) {
		writeError(c, http.StatusBadRequest, "trip_booking_id and truck_booking_id are required")
		return
	}
	res, err := h.matching.AllocatePair(c.Request.Context(), types.ID(req.TripBookingID), types.ID(req.TruckBookingID), actor(c))
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newAllocationResp(res.Allocation))
}

func (h *AllocationHandler) List(c *gin.Context) {
	trip, okTrip := queryID(c, "trip_booking_id")
	truck, okTruck := queryID(c, "truck_booking_id")
	limit, okLimit := queryLimit(c)
	if !okTrip || !okTruck || !okLimit {
		writeError(c, http.StatusBadRequest, "invalid query")
		return
	}
	allocs, err := h.bookings.ListAllocations(c.Request.Context(), booking.AllocationFilter{
		TripBookingID:  trip,
		TruckBookingID: truck,
		Status:         booking.Status(c.Query("status")),
		Limit:          limit,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"allocations": newAllocationResps(allocs)})
}

func (h *AllocationHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	a, err := h.bookings.GetAllocation(c.Request.Context(), id)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newAllocationResp(a))
}

func (h *AllocationHandler) Accept(c *gin.Context) {
	h.advance(c, h.matching.Accept)
}

func (h *AllocationHandler) Complete(c *gin.Context) {
	h.advance(c, h.matching.Complete)
}

func (h *AllocationHandler) advance(c *gin.Context, step func(context.Context, types.ID, types.ID) (*booking.Allocation, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	a, err := step(c.Request.Context(), id, actor(c))
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newAllocationResp(a))
}
