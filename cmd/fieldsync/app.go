package main

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/assessly/fieldsync/internal/offline/cache"
	"github.com/assessly/fieldsync/internal/offline/platform"
	"github.com/assessly/fieldsync/internal/offline/quota"
	"github.com/assessly/fieldsync/internal/offline/remote"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/service"
	"github.com/assessly/fieldsync/internal/offline/store"
	"github.com/assessly/fieldsync/internal/offline/syncq"
	"github.com/assessly/fieldsync/internal/offline/upload"
)

// app holds the components shared by commands.
type app struct {
	db      *store.DB
	quota   *quota.Manager
	remote  *remote.Client
	objects upload.Target
	guard   *upload.Guard
	service *service.Service
}

// openApp opens the local store and wires the components around it. The
// remote client is only built when an API base URL is configured.
func openApp(ctx context.Context) *app {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fatal("failed to create data directory: %v", err)
	}
	db, err := store.OpenContext(ctx, cfg.DBPath())
	if err != nil {
		fatal("%v\n   Offline features are unavailable until the local store can be opened.", err)
	}

	a := &app{db: db}

	objects, err := upload.NewTarget(ctx, upload.Config{
		Backend:   cfg.Upload.Backend,
		Endpoint:  cfg.Upload.Endpoint,
		Bucket:    cfg.Upload.Bucket,
		AccessKey: cfg.Upload.AccessKey,
		SecretKey: cfg.Upload.SecretKey,
		Region:    cfg.Upload.Region,
		UseSSL:    cfg.Upload.UseSSL,
	})
	if err != nil {
		log.Warningf("Object storage unavailable, photos will be sent inline: %v", err)
	}
	a.objects = objects

	if cfg.API.BaseURL != "" {
		a.remote, err = remote.New(remote.Config{
			BaseURL: cfg.API.BaseURL,
			Token:   cfg.API.Token,
			Timeout: cfg.API.Timeout,
			Retries: cfg.API.Retries,
			Objects: objects,
			Logger:  log,
		})
		if err != nil {
			_ = db.Close()
			fatal("%v", err)
		}
	}

	qc := quota.Config{
		MaxBytes:          cfg.Quota.MaxBytes,
		HighPercent:       cfg.Quota.HighPct,
		CriticalPercent:   cfg.Quota.CriticalPct,
		StaleAfter:        cfg.Quota.StaleAfter,
		Retention:         cfg.Quota.Retention,
		RefreshInterval:   cfg.Quota.RefreshInterval,
		ExportInlineLimit: cfg.Quota.ExportInlineLimit,
		Logger:            log,
	}
	if a.remote != nil {
		qc.TokenExpiry = a.remote.TokenExpiry
	}
	a.quota = quota.New(db, &platform.StatfsEstimator{Dir: cfg.DataDir}, qc)

	a.guard = upload.NewGuard(&platform.FileLocker{Dir: cfg.LockDir()}, log)

	var drainer service.Drainer
	if a.remote != nil {
		drainer = syncq.New(db, a.remote, syncq.Config{Logger: log})
	}
	a.service, err = service.New(service.Config{
		DB:                 db,
		Quota:              a.quota,
		Guard:              a.guard,
		Objects:            objects,
		LargeFileThreshold: cfg.Upload.LargeFileThreshold,
		ChannelURL:         cfg.ChannelURL(),
		Drainer:            drainer,
		Logger:             log,
	})
	if err != nil {
		_ = db.Close()
		fatal("%v", err)
	}
	return a
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		log.Warningf("Error closing store: %v", err)
	}
}

// openCache returns the configured response cache backend.
func openCache(ctx context.Context, db *store.DB) (cache.Cache, func(), error) {
	switch cfg.Cache.Backend {
	case "redis":
		r := cache.NewRedis(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, nil, fmt.Errorf("redis cache at %s unreachable: %w", cfg.Cache.RedisAddr, err)
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return cache.NewSQLite(db.RawDB()), func() {}, nil
	}
}

func parseOrigin() (*url.URL, error) {
	if cfg.Cache.Origin == "" {
		return nil, nil
	}
	u, err := url.Parse(cfg.Cache.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid cache.origin: %w", err)
	}
	return u, nil
}

func parseCollection(name string) schema.Collection {
	c, err := schema.ParseCollection(name)
	if err != nil {
		fatal("%v (want assessments, photos or deficiencies)", err)
	}
	return c
}

// remedyHint prints the user-facing remedy for a taxonomy error.
func remedyHint(err error) {
	if r := schema.Remedy(err); r != "" {
		fmt.Fprintf(os.Stderr, "   Try: %s\n", r)
	}
}
