// README: Entry point; loads config, wires services, starts HTTP server and background schedulers.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fleet/internal/config"
	httptransport "fleet/internal/http"
	"fleet/internal/infra"
	"fleet/internal/modules/booking"
	"fleet/internal/modules/cancellation"
	"fleet/internal/modules/matching"
	"fleet/internal/modules/notify"
	"fleet/internal/modules/sweep"
	"fleet/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Otel.Endpoint != "" {
		shutdown, err := infra.InitTracer(ctx, cfg.Otel.Endpoint, cfg.Otel.ServiceName)
		if err != nil {
			log.Fatalf("tracing init: %v", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("FLEET_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.URL)
	if err != nil {
		log.Fatal(err)
	}
	defer redisClient.Close()

	sinks := notify.Multi{notify.LogSink{}}
	if cfg.Notify.WhatsAppURL != "" {
		sinks = append(sinks, notify.NewWhatsAppSink(cfg.Notify.WhatsAppURL, cfg.Notify.WhatsAppToken, cfg.Notify.WhatsAppNamespace))
	}
	if cfg.Notify.RabbitURL != "" {
		pub, err := infra.NewRabbitPublisher(cfg.Notify.RabbitURL, cfg.Notify.Exchange)
		if err != nil {
			log.Fatalf("rabbitmq init: %v", err)
		}
		defer pub.Close()
		sinks = append(sinks, notify.NewRabbitSink(pub))
	}
	if cfg.Notify.Push {
		fcm, err := infra.NewMessagingClient(ctx, app)
		if err != nil {
			log.Fatalf("fcm init: %v", err)
		}
		sinks = append(sinks, notify.NewPushSink(fcm))
	}

	jobs := worker.NewPool(cfg.Worker.Workers, cfg.Worker.QueueSize, cfg.Worker.JobTimeout)
	jobs.Start(ctx)
	defer jobs.Close()
	sends := worker.NewPool(cfg.Notify.Workers, cfg.Notify.QueueSize, cfg.Notify.SendTimeout)
	sends.Start(ctx)
	defer sends.Close()
	dispatcher := notify.NewDispatcher(sinks, sends, cfg.Notify.SendTimeout)

	store := booking.NewPGStore(dbPool)
	signals := matching.NewRedisSignals(redisClient)

	matchingSvc := matching.NewService(store, jobs, dispatcher, signals, cfg.Matching, cfg.AutoAllocate)
	bookingSvc := booking.NewService(store, matchingSvc)
	cancelSvc := cancellation.NewService(store, matchingSvc, dispatcher, signals)

	if cfg.Sweep.Enabled {
		loc, err := cfg.Sweep.Location()
		if err != nil {
			log.Fatalf("sweep timezone %q: %v", cfg.Sweep.TZ, err)
		}
		sweeper := sweep.NewService(store, sweep.NewRedisLocker(redisClient), signals, loc)
		if _, err := sweeper.Start(ctx, cfg.Sweep.Spec); err != nil {
			log.Fatal(err)
		}
	}
	go matchingSvc.RunScheduler(ctx)

	handler := httptransport.NewServer(httptransport.ServerDeps{
		Bookings:     bookingSvc,
		Cancellation: cancelSvc,
		Matching:     matchingSvc,
		Queues:       signals,
		Verifier:     verifier,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler.Routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("fleet-api listening on %s (auto-allocate=%v)", cfg.HTTP.Addr, cfg.AutoAllocate)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
