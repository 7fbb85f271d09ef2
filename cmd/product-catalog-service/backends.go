package main

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/product-catalog-service/internal/cache"
	"github.com/fairyhunter13/product-catalog-service/internal/config"
	"github.com/fairyhunter13/product-catalog-service/internal/events"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/search"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

// backends are the stores and channel selected by configuration. Empty
// connection settings select the in-process implementation.
type backends struct {
	Store   store.RecordStore
	Cache   cache.Cache
	Index   search.Index
	Channel events.Channel

	closers []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			obs.Logger.Warn("backend_close_error", "error", err)
		}
	}
}

func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	b := &backends{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	if cfg.DatabaseURL == "" || cfg.DatabaseURL == "memory" {
		b.Store = store.New()
		obs.Logger.Info("record_store_selected", "kind", "memory")
	} else {
		db, err := store.OpenDatabase(cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if sqldb, err := db.DB(); err == nil {
			b.closers = append(b.closers, sqldb.Close)
		}
		st, err := store.NewSQL(db, cfg.AutoMigrate)
		if err != nil {
			return nil, err
		}
		b.Store = st
		obs.Logger.Info("record_store_selected", "kind", db.Dialector.Name())
	}

	if cfg.RedisURL == "" {
		b.Cache = cache.NewMemory(cfg.CacheLocalSize)
		obs.Logger.Info("cache_selected", "kind", "memory", "size", cfg.CacheLocalSize)
	} else {
		rc, err := cache.NewRedis(ctx, cache.RedisOptions{
			URL:       cfg.RedisURL,
			LocalSize: cfg.CacheLocalSize,
			LocalTTL:  cfg.ListCacheTTL / 5,
			Prefix:    "catalog:",
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.closers = append(b.closers, rc.Close)
		b.Cache = rc
		obs.Logger.Info("cache_selected", "kind", "redis")
	}

	if len(cfg.OpenSearchHosts) == 0 {
		b.Index = search.NewMemory()
		obs.Logger.Info("search_index_selected", "kind", "memory")
	} else {
		client, err := search.NewClient(cfg.OpenSearchHosts, cfg.OpenSearchUsername, cfg.OpenSearchPassword)
		if err != nil {
			return nil, fmt.Errorf("opensearch client: %w", err)
		}
		idx := search.NewOpenSearch(client, cfg.OpenSearchIndex)
		if err := idx.EnsureIndex(ctx); err != nil {
			return nil, err
		}
		b.Index = idx
		obs.Logger.Info("search_index_selected", "kind", "opensearch", "index", cfg.OpenSearchIndex)
	}

	partitions := map[string]int{
		cfg.ProductTopic: cfg.TopicPartitions,
		cfg.ViewTopic:    cfg.ViewPartitions,
	}
	if cfg.NATSURL == "" {
		b.Channel = events.NewMemory(events.MemoryOptions{
			Partitions:        partitions,
			DefaultPartitions: 1,
			RedeliveryDelay:   cfg.ConsumerRetryDelay,
		})
		obs.Logger.Info("event_channel_selected", "kind", "memory")
	} else {
		js, err := events.NewJetStream(cfg.NATSURL, events.JetStreamOptions{
			Partitions:        partitions,
			DefaultPartitions: 1,
			RedeliveryDelay:   cfg.ConsumerRetryDelay,
		})
		if err != nil {
			return nil, err
		}
		b.Channel = js
		obs.Logger.Info("event_channel_selected", "kind", "jetstream")
	}
	b.closers = append(b.closers, b.Channel.Close)

	ok = true
	return b, nil
}
