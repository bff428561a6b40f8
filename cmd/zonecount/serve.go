package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/zonecount/internal/api"
	"github.com/banshee-data/zonecount/internal/config"
	"github.com/banshee-data/zonecount/internal/crossing"
	"github.com/banshee-data/zonecount/internal/db"
	"github.com/banshee-data/zonecount/internal/monitoring"
	"github.com/banshee-data/zonecount/internal/publish"
	"github.com/banshee-data/zonecount/internal/session"
)

// healthService is the gRPC health service name that reports whether a
// counting session is running.
const healthService = "zonecount.Session"

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func serveCommand(ctx context.Context, env config.Env, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", env.Listen, "HTTP listen address")
	grpcListen := fs.String("grpc-listen", env.GRPCListen, "gRPC health listen address (disabled when empty)")
	dbPath := fs.String("db-path", env.DBPath, "SQLite database path")
	configPath := fs.String("config", env.ConfigPath, "Tuning config JSON file")
	debug := fs.Bool("debug", false, "Mount /debug admin routes (tailsql, backup)")
	var replayDirs stringList
	fs.Var(&replayDirs, "replay-dir", "Directory sessions may replay files from (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env.DBPath = *dbPath
	if err := env.RequireDBPath(); err != nil {
		return err
	}
	if *listen == "" {
		return fmt.Errorf("listen address is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	database, err := db.NewDB(env.DBPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	var writer crossing.EventWriter = database
	if env.Kafka.Enabled() {
		pub, err := publish.NewKafkaPublisher(env.Kafka, database)
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		defer pub.Close(5 * time.Second)
		writer = pub
		log.Printf("publishing crossings to %s topic %s", env.Kafka.BootstrapServers, env.Kafka.Topic)
	}

	metrics := monitoring.NewMetrics()
	sessions := session.NewManager(ctx, writer,
		session.WithConfig(cfg.SessionConfig()),
		session.WithMetrics(metrics),
	)

	var wg sync.WaitGroup

	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", *grpcListen, err)
		}
		grpcServer := grpc.NewServer()
		hs := health.NewServer()
		hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
		healthpb.RegisterHealthServer(grpcServer, hs)
		sessions.OnChange(func(active bool) {
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if active {
				status = healthpb.HealthCheckResponse_SERVING
			}
			hs.SetServingStatus(healthService, status)
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("gRPC health service listening on %s", *grpcListen)
			if err := grpcServer.Serve(lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			hs.Shutdown()
			grpcServer.GracefulStop()
		}()
	}

	srv := api.NewServer(database, sessions,
		api.WithMetrics(metrics),
		api.WithConfig(cfg),
		api.WithReplayDirs(replayDirs...),
	)
	mux := srv.ServeMux()
	if *debug {
		if err := database.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
	}()

	log.Printf("listening on %s", *listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	wg.Wait()
	// Sessions see the cancelled context and flush before returning.
	sessions.Wait()
	log.Printf("graceful shutdown complete")
	return nil
}
