package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-callroom/internal/api"
	"github.com/npezzotti/go-callroom/internal/config"
	"github.com/npezzotti/go-callroom/internal/server"
	"github.com/npezzotti/go-callroom/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "", "server address (overrides CALLROOM_ADDR)")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[callroom] ", log.LstdFlags)

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatal("config:", err)
	}
	if addr != "" {
		cfg.ServerAddr = addr
	}
	if len(allowedOrigins) > 0 {
		cfg.AllowedOrigins = allowedOrigins
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	callServer := server.NewCallServer(cfg, statsUpdater, logger)

	srv := api.NewCallRoomApp(mux, logger, callServer, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go callServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down call server...")
	if err := callServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("call server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
