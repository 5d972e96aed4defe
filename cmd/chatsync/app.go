package main

import (
	"context"
	"fmt"
	"os"

	"chatsync/internal/api"
	"chatsync/internal/auth"
	"chatsync/internal/bus"
	"chatsync/internal/cache"
	"chatsync/internal/config"
	"chatsync/internal/conversation"
	"chatsync/internal/domain"
	"chatsync/internal/pipeline"
	"chatsync/internal/store"
	"chatsync/internal/transport"
)

// app is the wired engine shared by every command.
type app struct {
	cfg      *config.Config
	bus      *bus.EventBus
	store    *store.Store
	guard    *auth.Guard
	images   *api.Images
	cache    *cache.SQLiteCache
	pipeline *pipeline.Pipeline
	manager  *conversation.Manager
}

func newApp(cfg *config.Config) (*app, error) {
	httpClient := transport.NewHTTPClient(cfg.API.Timeout())

	var source domain.CredentialSource
	if cfg.Auth.Token != "" {
		source = auth.NewStaticSource(cfg.Auth.Token, cfg.Auth.UserID)
	} else {
		source = auth.NewSessionClient(cfg.Auth.SessionURL, httpClient)
	}
	guard := auth.NewGuard(source, cfg.Auth.LoginURL, logger)

	client := transport.New(transport.Config{
		BaseURL:       cfg.API.BaseURL,
		HTTPClient:    httpClient,
		Credentials:   guard,
		OnAuthFailure: guard,
		UserAgent:     cfg.API.UserAgent + "/" + version,
		Retry: transport.Policy{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay(),
			Logger:       logger,
		},
		Logger: logger,
	})

	eventBus := bus.NewEventBus(logger)
	st := store.New(eventBus, logger)

	a := &app{cfg: cfg, bus: eventBus, store: st, guard: guard}

	var snapshotCache domain.SnapshotCache
	if cfg.Cache.Enabled {
		c, err := cache.Open(cfg.Cache.DBPath, logger)
		if err != nil {
			logger.Warn("offline cache unavailable", "path", cfg.Cache.DBPath, "err", err)
		} else {
			a.cache = c
			snapshotCache = c
		}
	}

	conversations := api.NewConversations(client, logger)
	messages := api.NewMessages(client, logger)
	a.images = api.NewImages(client, cfg.Attachments.MaxFileSize, cfg.Attachments.AllowedTypes, logger)

	a.manager = conversation.New(conversation.Config{
		Store:         st,
		Conversations: conversations,
		Messages:      messages,
		Credentials:   guard,
		Cache:         snapshotCache,
		Bus:           eventBus,
		Logger:        logger,
	})
	a.pipeline = pipeline.New(pipeline.Config{
		Store:       st,
		Messages:    messages,
		Images:      a.images,
		Credentials: guard,
		Bus:         eventBus,
		Logger:      logger,
	})

	guard.OnSignOut(a.manager.HandleSignOut)
	guard.OnSignOut(func(ctx context.Context, ev auth.SignOutEvent) {
		fmt.Fprintf(os.Stderr, "\nsigned out (%s). Sign in at %s\n", ev.Reason, ev.LoginURL)
	})
	return a, nil
}

// close waits for in-flight sends, then releases the cache.
func (a *app) close() {
	a.pipeline.Wait()
	if a.cache != nil {
		a.cache.Close()
	}
}

// resolveUser fills the store's user from the current session, if any.
func (a *app) resolveUser(ctx context.Context) {
	session, err := a.guard.Session(ctx)
	if err != nil || !session.Valid() {
		return
	}
	u := session.User
	a.store.SetUser(&u)
}
