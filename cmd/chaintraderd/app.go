package main

import (
	"context"
	"fmt"
	"os"

	"ChainTrader/internal/config"
	"ChainTrader/internal/credential"
	"ChainTrader/internal/storage/database"
	"ChainTrader/internal/web3"
	"ChainTrader/internal/web3/provider"
	"ChainTrader/pkg/logger"
)

// app 持有各子命令共享的基础组件。
type app struct {
	cfg    *config.Config
	defs   web3.ChainDefinitions
	store  *credential.Store
	chains *provider.Registry
}

func loadApp(ctx context.Context, opts *rootOptions) (*app, error) {
	if err := config.LoadEnvFiles(opts.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditEnabled,
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainConfig)
	if err != nil {
		return nil, err
	}
	chains, err := provider.NewRegistry(defs,
		provider.WithDialTimeout(cfg.Web3.DialTimeout()),
		provider.WithBreaker(cfg.Web3.BreakerFailures, cfg.Web3.BreakerCooldown()),
		provider.WithGasBuffer(cfg.Executor.GasBufferPercent),
	)
	if err != nil {
		return nil, err
	}

	store, err := openCredentialStore(ctx, cfg.Storage.Credentials)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, defs: defs, store: store, chains: chains}, nil
}

func openCredentialStore(ctx context.Context, cfg config.CredentialStoreConfig) (*credential.Store, error) {
	var backend credential.Backend
	switch cfg.Driver {
	case "file":
		fb, err := credential.NewFileBackend(cfg.Path)
		if err != nil {
			return nil, err
		}
		backend = fb
	case database.DriverSQLite, database.DriverMySQL:
		sb, err := credential.OpenSQLBackend(ctx, database.Config{Driver: cfg.Driver, DSN: cfg.DSN})
		if err != nil {
			return nil, err
		}
		backend = sb
	default:
		return nil, fmt.Errorf("不支持的凭证存储驱动: %s", cfg.Driver)
	}

	var opts []credential.Option
	if cfg.Passphrase != "" {
		opts = append(opts, credential.WithSealer(credential.NewKeystoreSealer(cfg.Passphrase, false)))
	}
	return credential.NewStore(backend, opts...), nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.L().Warn("关闭凭证存储失败", "error", err)
	}
	_ = logger.Sync()
}
