// Package main is the entry point for the tensorgate inference gateway.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tensorzero-go/tensorgate/internal/cache"
	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/dispatch"
	"github.com/tensorzero-go/tensorgate/internal/embed"
	"github.com/tensorzero-go/tensorgate/internal/model"
	"github.com/tensorzero-go/tensorgate/internal/obs"
	"github.com/tensorzero-go/tensorgate/internal/provider"
	"github.com/tensorzero-go/tensorgate/internal/server"
	"github.com/tensorzero-go/tensorgate/internal/variant"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfgStore, err := config.NewStore(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := cfgStore.Get()

	registry, err := provider.NewRegistry(cfg, http.DefaultClient)
	if err != nil {
		log.Fatalf("failed to build provider registry: %v", err)
	}

	runner := model.NewRunner(registry)
	if cfg.Cache.RedisAddr != "" {
		runner.SetCache(cache.New(cfg.Cache.RedisAddr), cfg.Cache.DefaultMaxAge)
	}

	examples := embed.NewStore()
	engine := variant.NewEngine(runner, examples, embed.NewDummyEmbedder())

	sink := obs.NewLogSink(prometheus.DefaultRegisterer)

	disp := dispatch.New(cfgStore, runner, engine, sink)
	srv := server.New(cfgStore, disp, sink)

	stop := make(chan struct{})
	if err := cfgStore.Watch(stop, func(err error) {
		log.Printf("config reload failed: %v", err)
	}); err != nil {
		log.Printf("config watcher disabled: %v", err)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("tensorgate listening on :%d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	close(stop)
	log.Println("shutting down")
}
