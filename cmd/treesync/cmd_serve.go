package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"

	"github.com/daviddao/treesync/pkg/history"
	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/replica"
	"github.com/daviddao/treesync/pkg/store"
	"github.com/daviddao/treesync/pkg/transport"
)

func (a *app) cmdServe(args []string) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := flags.String("config", "", "TOML config file")
	listen := flags.String("listen", "", "listen address (default :7420)")
	hist := flags.String("history", "", "history backend: sqlite, bolt, memory or none")
	boltPath := flags.String("bolt", "", "bolt history file (history = bolt)")
	seqIDs := flags.Bool("sequential-ids", false, "deterministic ids (count+1+attempt) instead of random ones")
	every := flags.Int64("checkpoint-every", 0, "save a checkpoint every N commands (0 disables)")
	level := flags.String("log-level", "", "debug, info, warn or error")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg := defaultServeConfig()
	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "treesync: serve: %v\n", err)
			return 1
		}
	}
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "history":
			cfg.History = *hist
		case "bolt":
			cfg.BoltPath = *boltPath
		case "sequential-ids":
			cfg.SequentialIDs = *seqIDs
		case "checkpoint-every":
			cfg.CheckpointEvery = *every
		case "log-level":
			cfg.LogLevel = *level
		}
	})
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "treesync: serve: %v\n", err)
		return 1
	}
	lvl, _ := log.ParseLevel(cfg.LogLevel)
	logger := &log.Logger{Handler: cli.New(os.Stderr), Level: lvl}

	st, err := a.store()
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: serve: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := buildServer(ctx, cfg, st, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "treesync: serve: %v\n", err)
		return 1
	}
	defer stack.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           stack.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.WithFields(log.Fields{
		"listen":  cfg.Listen,
		"history": cfg.History,
		"count":   stack.server.Snapshot().CommandCount,
	}).Info("serving")

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("listen failed")
			return 1
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown")
	}
	if err := stack.server.Checkpoint(); err != nil {
		logger.WithError(err).Error("final checkpoint failed")
		return 1
	}
	logger.Info("stopped")
	return 0
}

// serveStack is a ready Server plus the resources it owns.
type serveStack struct {
	server  *transport.Server
	closers []func() error
}

func (s *serveStack) Close() {
	for _, c := range s.closers {
		_ = c()
	}
}

// buildServer recovers the Master from the latest checkpoint plus the
// history tail after it, then wraps it in a Server that records history,
// replica cursors and checkpoints.
func buildServer(ctx context.Context, cfg serveConfig, st *store.Store, logger log.Interface) (*serveStack, error) {
	stack := &serveStack{}

	snap := model.Snapshot{Document: model.Document{}}
	ckpt, err := st.LatestCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if ckpt != nil {
		snap = *ckpt
	}

	var (
		hist replica.HistoryLog
		head func() (int64, error)
	)
	switch cfg.History {
	case historySQLite:
		hist = st
		head = func() (int64, error) {
			_, h, err := st.HistoryBounds()
			return h, err
		}
	case historyBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", filepath.Dir(cfg.BoltPath), err)
		}
		bl, err := history.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		stack.closers = append(stack.closers, bl.Close)
		hist = bl
		head = bl.Head
	case historyMemory:
		hist = history.NewMemoryLog(snap.CommandCount)
	}

	var tail []model.CommandCompletion
	if head != nil {
		h, err := head()
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("history head: %w", err)
		}
		switch {
		case h > snap.CommandCount:
			tail, err = hist.History(ctx, snap.CommandCount, h)
			if err != nil {
				stack.Close()
				return nil, fmt.Errorf("read history tail: %w", err)
			}
			if tail == nil {
				stack.Close()
				return nil, fmt.Errorf("history does not reach back to checkpoint %d", snap.CommandCount)
			}
		case h != 0 && h < snap.CommandCount:
			stack.Close()
			return nil, fmt.Errorf("history head %d is behind checkpoint %d", h, snap.CommandCount)
		}
	}

	opts := []replica.Option{replica.WithLogger(logger)}
	if hist != nil {
		opts = append(opts, replica.WithHistory(hist))
	}
	if cfg.SequentialIDs {
		opts = append(opts, replica.WithSequentialIDs())
	}
	m := replica.NewMaster(snap, opts...)
	if err := m.Restore(ctx, tail); err != nil {
		stack.Close()
		return nil, err
	}
	logger.WithFields(log.Fields{
		"checkpoint": snap.CommandCount,
		"replayed":   len(tail),
		"count":      m.CommandCount(),
	}).Info("recovered")

	serverOpts := []transport.ServerOption{
		transport.WithRegistry(st),
		transport.WithCheckpoints(st, cfg.CheckpointEvery),
		transport.WithServerLogger(logger),
	}
	if hist != nil {
		serverOpts = append(serverOpts, transport.WithHistoryLog(hist))
	}
	stack.server = transport.NewServer(m, serverOpts...)
	return stack, nil
}
