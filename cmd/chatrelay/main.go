package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"chatrelay/internal/config"
	"chatrelay/internal/gateway"
	httpserver "chatrelay/internal/http"
	"chatrelay/internal/llm"
	. "chatrelay/internal/logging"
	"chatrelay/internal/memory"
	"chatrelay/internal/meter"
	"chatrelay/internal/router"
	"chatrelay/internal/store"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatrelay %s\n", version)
		return
	}

	// .env is optional; deployments usually set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		L_fatal("failed to load config: %v", err)
	}

	level := parseLevel(cfg.Logging.Level)
	if *debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: *debug})

	L_info("chatrelay %s starting", version)

	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		L_fatal("failed to open store: %v", err)
	}
	defer st.Close()

	providers := make(map[string]llm.Provider)
	for alias, pc := range cfg.Providers {
		p, err := llm.New(alias, pc)
		if err != nil {
			L_fatal("provider %s: %v", alias, err)
		}
		if !p.IsAvailable() {
			L_warn("provider has no credentials, skipping", "alias", alias)
			continue
		}
		providers[alias] = p
		L_info("provider configured", "alias", alias, "type", pc.Type)
	}

	rt, err := router.New(providers, cfg.Models)
	if err != nil {
		L_fatal("router init failed: %v", err)
	}
	for _, m := range rt.Models() {
		L_info("model available", "id", m.ID, "baseCost", m.BaseCost, "disabled", m.Disabled)
	}

	mem := memory.New(st, rt, memory.EngineConfig{
		JudgeModel: cfg.Memory.JudgeModel,
		MaxHints:   cfg.Memory.MaxHints,
		HintTTL:    cfg.Memory.HintTTL(),
	})
	gw := gateway.New(st, rt, meter.New(st), mem, gateway.TurnConfig{
		SystemPrompt: cfg.Chat.SystemPrompt,
		HistoryLimit: cfg.Chat.HistoryLimit,
		Heartbeat:    cfg.Chat.Heartbeat(),
	})

	// Periodic sweep of expired memories
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Memory.SweepSchedule, func() {
		mem.Sweep(context.Background())
	}); err != nil {
		L_fatal("invalid sweep schedule %q: %v", cfg.Memory.SweepSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := httpserver.NewServer(httpserver.ServerConfig{Listen: cfg.Server.Listen}, st, gw)
	if err := srv.Start(); err != nil {
		L_fatal("http server failed to start: %v", err)
	}

	L_info("chatrelay ready", "listen", cfg.Server.Listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	L_info("shutting down")
	srv.Stop()
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
