package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/esante/api-gateway/internal/balancer"
	"github.com/esante/api-gateway/internal/config"
	"github.com/esante/api-gateway/internal/discovery"
	"github.com/esante/api-gateway/internal/ratelimit"
	"github.com/esante/api-gateway/internal/server"

	authpkg "github.com/esante/api-gateway/internal/auth"
)

const (
	serviceName       = "api-gateway"
	version           = "1.0.0"
	defaultConsulAddr = "localhost:8500"
)

func main() {
	var (
		consulAddr string
		routesFile string
		envFile    string
	)
	flag.StringVar(&consulAddr, "consul", defaultConsulAddr, "consul HTTP address (host:port)")
	flag.StringVar(&routesFile, "routes", "", "optional yaml route table overriding the built-in one")
	flag.StringVar(&envFile, "env-file", "", "optional .env file for local development")
	flag.Parse()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.WithError(err).Fatalf("loading %s", envFile)
		}
	} else {
		_ = godotenv.Load()
	}

	consulClient, err := discovery.NewClient(consulAddr)
	if err != nil {
		log.WithError(err).Fatal("creating consul client")
	}
	registry := discovery.New(consulClient)

	// Config first: everything below, redis included, reads from it.
	store := config.Bootstrap(consulClient, serviceName)
	if err := store.Require("JWT_SECRET"); err != nil {
		log.WithError(err).Fatal("startup configuration incomplete")
	}

	routes, socketRoutes, err := config.LoadRoutes(routesFile, store)
	if err != nil {
		log.WithError(err).Fatal("loading route table")
	}

	metrics := server.NewMetrics()
	gate := ratelimit.NewGate()

	// The store connection races the first requests; the gate fails
	// open until it lands. storeErr makes a final failure fatal.
	storeErr := make(chan error, 1)
	go func() {
		client := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", store.Get("REDIS_HOST", "localhost"), store.Get("REDIS_PORT", "6379")),
			Password: store.Get("REDIS_PASSWORD", ""),
		})
		limiter, err := ratelimit.NewRedisLimiter(context.Background(), client, ratelimit.SettingsFromStore(store))
		if err != nil {
			gate.SetFailed(err)
			storeErr <- err
			return
		}
		gate.SetReady(limiter)
	}()

	bal := balancer.New(registry, store.GetMillis("DISCOVERY_CACHE_TTL_MS", balancer.DefaultTTL))

	gateway := server.New(server.Options{
		Routes:       routes,
		SocketRoutes: socketRoutes,
		Balancer:     bal,
		Auth:         authpkg.New(store.Get("JWT_SECRET", "")),
		Limits:       gate,
		Metrics:      metrics,
		Version:      version,
	})

	port := store.GetInt("PORT", 3000)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: gateway}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("gateway listening on :%d", port)
		serveErr <- srv.ListenAndServe()
	}()

	// Self-registration happens once we are serving, so the attached
	// health check passes from its first probe.
	registrationID := ""
	if registry.Available() {
		id, err := registry.Register(store.Get("SERVICE_HOST", discovery.LocalIP()), port)
		if err != nil {
			log.WithError(err).Warn("could not register with consul, continuing unregistered")
		} else {
			registrationID = id
		}
		log.Info("service discovery mode: consul")
	} else {
		log.Warn("service discovery mode: static fallback (consul unavailable)")
	}
	for _, desc := range routes {
		log.Infof("registered route: %-22s -> %s", desc.PathPrefix, desc.ServiceName)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-stop:
		log.Info("shutdown signal received")
	case err := <-storeErr:
		log.WithError(err).Error("rate-limit store connection could not be established")
		exitCode = 1
	case err := <-serveErr:
		log.WithError(err).Error("server failed")
		exitCode = 1
	}

	// Deregister before refusing traffic: the registry must stop
	// routing to this replica before the listener goes away.
	if registrationID != "" {
		if err := registry.Deregister(registrationID); err != nil {
			log.WithError(err).Error("deregistering from consul")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown")
	}

	log.Info("exiting")
	os.Exit(exitCode)
}
