package main

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"

	"github.com/keepstack/keepsync/internal/backend"
	"github.com/keepstack/keepsync/internal/config"
	"github.com/keepstack/keepsync/internal/engine"
	"github.com/keepstack/keepsync/internal/logging"
	"github.com/keepstack/keepsync/internal/provider"
	"github.com/keepstack/keepsync/internal/store"
	"github.com/keepstack/keepsync/internal/tombstones"
)

// app bundles the wired components behind every subcommand.
type app struct {
	cfg    *config.Config
	sink   *logging.Sink
	store  *store.Store
	tombs  *tombstones.Manager
	engine *engine.Engine
}

// newApp opens the database and constructs the engine from configuration.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sink := logging.NewSink(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      quiet,
	})

	dsn := cfg.Database.Path
	if cfg.Database.AuthToken != "" && strings.HasPrefix(dsn, "libsql:") {
		dsn = dsn + "?authToken=" + cfg.Database.AuthToken
	}
	st, err := store.Open(dsn)
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.InitSchemaContext(ctx); err != nil {
		st.Close()
		sink.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	tombs, err := tombstones.NewManager(ctx, st.RawDB(), tombstones.DefaultTTL)
	if err != nil {
		st.Close()
		sink.Close()
		return nil, fmt.Errorf("load tombstones: %w", err)
	}

	session := backend.NewHTTPSessionClient(cfg.Backend.BaseURL, cfg.Backend.RefreshToken, nil)

	tokens := providerTokens(ctx, cfg)
	client := provider.NewHTTPClient(cfg.Provider.BaseURL, tokens, nil)

	eng, err := engine.New(engine.Config{
		OwnerID:    cfg.OwnerID,
		CalendarID: cfg.Provider.CalendarID,
		TaskListID: cfg.Provider.TaskListID,
		TiePolicy:  engine.TiePolicy(cfg.Sync.TiePolicy),
		Logger:     sink.Logger("engine"),
	}, st, tombs, session, client)
	if err != nil {
		st.Close()
		sink.Close()
		return nil, err
	}

	return &app{cfg: cfg, sink: sink, store: st, tombs: tombs, engine: eng}, nil
}

// providerTokens builds the token source. With a refresh token and client
// credentials the source renews itself; otherwise the static access token
// is used as-is.
func providerTokens(ctx context.Context, cfg *config.Config) oauth2.TokenSource {
	p := cfg.Provider
	if p.RefreshToken != "" && p.ClientID != "" && p.TokenURL != "" {
		oc := &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: p.TokenURL},
		}
		return oc.TokenSource(ctx, &oauth2.Token{
			AccessToken:  p.AccessToken,
			RefreshToken: p.RefreshToken,
		})
	}
	return provider.StaticTokenSource(p.AccessToken)
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.sink != nil {
		a.sink.Close()
	}
}
