// Package app wires config, storage and services into a running process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"cdk/internal/cache"
	"cdk/internal/config"
	"cdk/internal/db"
	"cdk/internal/engine"
	"cdk/internal/logging"
	"cdk/internal/migrate"
	"cdk/internal/oauth"
	"cdk/internal/server"
	"cdk/internal/sweeper"
)

const shutdownTimeout = 5 * time.Second

// Context holds the long-lived dependencies of one process.
type Context struct {
	Config *config.Config
	DB     *sql.DB
	Cache  cache.Store
	Engine engine.Engine

	logCloser io.Closer
}

// Open configures logging, opens and migrates the database and connects
// the cache.
func Open(ctx context.Context, cfg *config.Config) (*Context, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	c := &Context{Config: cfg, logCloser: logCloser}
	if _, err := db.EnsureDir(cfg.Database.Path); err != nil {
		c.Close()
		return nil, fmt.Errorf("database dir: %w", err)
	}
	conn, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	c.DB = conn
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		c.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Cache = store
	c.Engine = engine.New(conn, cfg, store)
	return c, nil
}

// Close releases everything Open acquired.
func (c *Context) Close() error {
	var errs []error
	if c.Cache != nil {
		errs = append(errs, c.Cache.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	if c.logCloser != nil {
		errs = append(errs, c.logCloser.Close())
	}
	return errors.Join(errs...)
}

// Handler builds the HTTP API. OAuth routes answer 404 when the provider is
// not configured.
func (c *Context) Handler() (http.Handler, error) {
	var provider *oauth.Provider
	if c.Config.OAuth2.Enabled() {
		provider = oauth.New(c.Config.OAuth2, c.Cache)
	}
	return server.New(server.Config{
		Engine:          c.Engine,
		BasePath:        c.Config.App.BasePath,
		OAuth:           provider,
		SuccessRedirect: c.Config.OAuth2.SuccessRedirect,
	})
}

// Serve runs the API on addr together with the expiry sweeper and webhook
// delivery until ctx is cancelled.
func (c *Context) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = c.Config.App.Addr
	}
	handler, err := c.Handler()
	if err != nil {
		return err
	}
	sw, err := sweeper.New(c.Engine, c.Config.Schedule.ExpireProjectsCron)
	if err != nil {
		return err
	}
	if _, err := sw.RunOnce(ctx); err != nil {
		log.WithError(err).Warn("initial expiry sweep failed")
	}
	sw.Start()
	server.StartWebhooks(ctx, c.Engine)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		sw.Stop(shutdownCtx)
	}()
	log.WithFields(log.Fields{
		"addr":      addr,
		"base_path": c.Config.App.BasePath,
		"env":       c.Config.App.Env,
	}).Info("serving Linux Do CDK API")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
