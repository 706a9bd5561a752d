package main

import (
	"log/slog"
	"path/filepath"

	"rotaforge/engine/internal/config"
	"rotaforge/engine/internal/engine"
	"rotaforge/engine/internal/envfile"
	"rotaforge/engine/internal/logging"
)

type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
}

// bootstrap loads .env, configuration and logging in that order.
func bootstrap() (*runtime, error) {
	envResult := envfile.Load()
	cfg, err := config.Load(config.Options{File: configFile})
	if err != nil {
		return nil, err
	}
	if templateRoot != "" {
		abs, err := filepath.Abs(templateRoot)
		if err != nil {
			return nil, err
		}
		cfg.Template.Root = abs
	}
	if debugFlag {
		cfg.Debug = true
	}
	logSetup, logErr := logging.New(logging.Options{
		Dir:        cfg.DataDir,
		Debug:      cfg.Debug,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	logger := logSetup.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if logSetup.Enabled {
		logger.Info("engine.logging_enabled", "path", logSetup.Path)
	}
	if logErr != nil {
		logger.Warn("engine.log_setup_failed", "error", logErr.Error())
	}
	if envResult.Loaded {
		logger.Debug("engine.env_loaded", "path", envResult.Path, "keys", envResult.Keys, "skipped", envResult.Skipped)
	}
	if envResult.Err != nil {
		logger.Warn("engine.env_load_failed", "path", envResult.Path, "error", envResult.Err.Error())
	}
	if cfg.ConfigFile != "" {
		logger.Debug("engine.config_loaded", "path", cfg.ConfigFile)
	}
	return &runtime{cfg: cfg, logger: logger, closeLog: logSetup.Close}, nil
}

func (rt *runtime) openEngine() (*engine.Engine, error) {
	eng, err := engine.New(rt.cfg, engine.WithLogger(rt.logger))
	if err != nil {
		rt.logger.Error("engine.init_failed", "error", err.Error())
		return nil, err
	}
	return eng, nil
}

func (rt *runtime) Close() {
	if rt.closeLog != nil {
		_ = rt.closeLog()
	}
}
