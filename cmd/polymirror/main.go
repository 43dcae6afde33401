// Command polymirror copies the trades of watched Polymarket accounts into
// the operator's account, sized to the operator's capital.
//
// Usage:
//
//	polymirror -config config.toml
//	polymirror -config config.toml -reset-cursor 0xabc...,0xdef...
//	polymirror -config config.toml -seal-key operator.key.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/polymirror/internal/app"
	"github.com/alanyoungcy/polymirror/internal/config"
	"github.com/alanyoungcy/polymirror/internal/crypto"
	"github.com/alanyoungcy/polymirror/internal/domain"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	resetCursor := flag.String("reset-cursor", "", "comma-separated addresses whose stored cursor is cleared, then exit")
	sealKey := flag.String("seal-key", "", "encrypt wallet.private_key with wallet.key_password into this file, then exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if *sealKey != "" {
		if err := writeSealedKey(cfg, *sealKey); err != nil {
			logger.Error("seal key failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("sealed key written", slog.String("path", *sealKey))
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Debug("configuration", slog.Any("config", config.RedactedConfig(cfg)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	if *resetCursor != "" {
		if err := application.ResetCursors(ctx, strings.Split(*resetCursor, ",")); err != nil {
			logger.Error("reset cursor failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("exited with error",
			slog.String("error", err.Error()),
			slog.Bool("fatal_config", errors.Is(err, domain.ErrConfigurationFatal)),
		)
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		application.Close()
		os.Exit(1)
	}
	logger.Info("polymirror stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func writeSealedKey(cfg *config.Config, path string) error {
	if cfg.Wallet.PrivateKey == "" {
		return errors.New("wallet.private_key (or POLYMIRROR_WALLET_PRIVATE_KEY) is empty")
	}
	data, err := crypto.SealKey(cfg.Wallet.PrivateKey, cfg.Wallet.KeyPassword)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
