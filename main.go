package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"shadownexus/internal/chatrouter"
	"shadownexus/internal/config"
	"shadownexus/internal/filerelay"
	"shadownexus/internal/logutil"
	"shadownexus/internal/registry"
	"shadownexus/internal/signaling"
	"shadownexus/internal/store"
)

func main() {
	if len(os.Args) > 1 {
		cliDataDir := envDefault("DATA_DIR", "shadow_nexus_data")
		if runCLI(os.Args[1:], cliDataDir) {
			return
		}
	}

	cfg := config.Load(".env", nil)
	log := logutil.New(cfg.LogLevel, cfg.LogFile)

	certValidity := defaultCertValidity
	if d, err := time.ParseDuration(cfg.CertValidity); err == nil {
		certValidity = d
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("create data dir", "err", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.DataDir, log.With("component", "store"))
	if err != nil {
		log.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()
	st.LoadAll()

	reg := registry.New()
	for _, g := range st.AllGroupDefs("") {
		reg.PutGroup(registry.Group{ID: g.ID, Name: g.Name, Admin: g.Admin, Members: g.Members})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	router := chatrouter.New(st, reg, log.With("component", "chatrouter"))
	chatAddr := fmt.Sprintf(":%d", cfg.ChatPort)
	go func() {
		if err := router.Run(ctx, chatAddr); err != nil && ctx.Err() == nil {
			log.Error("chat router stopped", "err", err)
		}
	}()

	relay := filerelay.New(st, log.With("component", "filerelay"))
	fileAddr := fmt.Sprintf(":%d", cfg.FilePort)
	go func() {
		if err := relay.Run(ctx, fileAddr); err != nil && ctx.Err() == nil {
			log.Error("file relay stopped", "err", err)
		}
	}()

	chatRouterDialAddr := fmt.Sprintf("%s:%d", cfg.ServerIP, cfg.ChatPort)
	if cfg.ServerIP == "0.0.0.0" || cfg.ServerIP == "" {
		chatRouterDialAddr = fmt.Sprintf("localhost:%d", cfg.ChatPort)
	}
	hub := signaling.New(chatRouterDialAddr, log.With("component", "signaling"))
	sigServer := signaling.NewServer(hub, log.With("component", "signaling-http"))
	sigAddr := fmt.Sprintf(":%d", cfg.VideoPort)
	go func() {
		if err := sigServer.Run(ctx, sigAddr, cfg.ServerIP, certValidity); err != nil && ctx.Err() == nil {
			log.Error("signaling server stopped", "err", err)
		}
	}()

	go runMetrics(ctx, reg, log.With("component", "metrics"), metricsInterval)

	log.Info("shadownexus started",
		"chat_addr", chatAddr,
		"file_addr", fileAddr,
		"signaling_addr", sigAddr,
		"data_dir", cfg.DataDir,
	)

	<-ctx.Done()
	log.Info("goodbye")
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
