// README: API gateway; holds the services the HTTP routes delegate to.
package http

import (
	"fleet/internal/http/handlers"
	"fleet/internal/infra"
	"fleet/internal/modules/booking"
)

type ServerDeps struct {
	Bookings     *booking.Service
	Cancellation handlers.Canceller
	Matching     MatchingService
	Queues       handlers.ChangeReader
	Verifier     infra.TokenVerifier
	CORSOrigins  []string
}

// MatchingService is what the routes need from the allocation engine.
type MatchingService interface {
	handlers.Allocator
	handlers.Positioner
}

type Server struct {
	bookings     *booking.Service
	cancellation handlers.Canceller
	matching     MatchingService
	queues       handlers.ChangeReader
	verifier     infra.TokenVerifier
	corsOrigins  []string
}

func NewServer(deps ServerDeps) *Server {
	return &Server{
		bookings:     deps.Bookings,
		cancellation: deps.Cancellation,
		matching:     deps.Matching,
		queues:       deps.Queues,
		verifier:     deps.Verifier,
		corsOrigins:  deps.CORSOrigins,
	}
}
