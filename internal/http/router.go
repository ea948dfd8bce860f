// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet/internal/http/handlers"
	"fleet/internal/http/middleware"
	"fleet/internal/modules/booking"
)

func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Metrics(), middleware.Logging())
	r.Use(cors.New(corsConfig(s.corsOrigins)))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.Auth(s.verifier))

	bh := handlers.NewBookingHandler(s.bookings, s.cancellation, s.matching)
	trips := api.Group("/trip-bookings")
	trips.POST("", bh.CreateTrip)
	trips.GET("", bh.ListTrips)
	trips.GET("/:id", bh.GetTrip)
	trips.POST("/:id/cancel", bh.Cancel(booking.KindTrip))
	trips.GET("/:id/position", bh.Position(booking.KindTrip))

	trucks := api.Group("/truck-bookings")
	trucks.POST("", bh.CreateTruck)
	trucks.GET("", bh.ListTruckBookings)
	trucks.GET("/:id", bh.GetTruckBooking)
	trucks.POST("/:id/cancel", bh.Cancel(booking.KindTruck))
	trucks.GET("/:id/position", bh.Position(booking.KindTruck))

	api.GET("/trucks/available", bh.AvailableTrucks)

	ah := handlers.NewAllocationHandler(s.bookings, s.matching)
	allocs := api.Group("/allocations")
	allocs.POST("", ah.Create)
	allocs.GET("", ah.List)
	allocs.GET("/:id", ah.Get)
	allocs.POST("/:id/accept", ah.Accept)
	allocs.POST("/:id/complete", ah.Complete)

	if s.queues != nil {
		api.GET("/queues/:type", handlers.NewQueueHandler(s.queues).Get)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization")
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
