package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/kianooshaz/fileserver-from-scratch/config"
	"github.com/kianooshaz/fileserver-from-scratch/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	handler, err := server.NewFileHandler(cfg.Root)
	if err != nil {
		logger.Error("cannot serve root", "root", cfg.Root, "err", err)
		return 2
	}
	defer handler.Close()
	handler.IndexFiles = cfg.IndexFiles
	handler.DisableListing = cfg.DisableListing
	handler.MIMETypes = cfg.MIMETypes

	s := &server.Server{
		Addr:             cfg.Addr(),
		Handler:          handler,
		IdleTimeout:      cfg.IdleTimeout.Duration,
		WriteTimeout:     cfg.WriteTimeout.Duration,
		MaxHeaderBytes:   cfg.MaxHeaderBytes,
		MaxConns:         cfg.MaxConns,
		DisableKeepAlive: cfg.DisableKeepAlive,
		Logger:           logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := s.Listen()
	if err != nil {
		logger.Error("cannot listen", "err", err)
		return 1
	}
	color.New(color.FgGreen).Fprintf(os.Stderr, "serving at port %d\n", cfg.Port)
	logger.Info("serving", "addr", l.Addr().String(), "root", cfg.Root)

	errc := make(chan error, 1)
	go func() {
		errc <- s.Serve(l)
	}()

	select {
	case err := <-errc:
		logger.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		logger.Warn("shutdown error", "err", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, server.ErrServerClosed) {
		logger.Error("server error", "err", err)
		return 1
	}
	return 0
}
