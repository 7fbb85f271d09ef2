// Package consumer holds the event handlers run by the catalog's consumer
// groups.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/fairyhunter13/product-catalog-service/internal/events"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/search"
)

// Consumer group names.
const (
	IndexingGroup  = "catalog-indexing"
	AnalyticsGroup = "catalog-analytics"
)

// Indexer keeps the search index in step with change events. Every
// operation is an upsert or delete by id, so redelivery is harmless.
type Indexer struct {
	Index search.Index
}

// Handle applies one ChangeEvent to the index.
func (ix Indexer) Handle(ctx context.Context, msg events.Message) error {
	var ev model.ChangeEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return events.Permanent(fmt.Errorf("decode change event: %w", err))
	}
	switch ev.Op {
	case model.OpCreate, model.OpUpdate:
		if ev.Payload.ID == 0 {
			ev.Payload.ID = ev.ProductID
		}
		if err := ix.Index.Upsert(ctx, model.Document(ev.Payload)); err != nil {
			return fmt.Errorf("index %s %d: %w", ev.Op, ev.ProductID, err)
		}
	case model.OpDelete:
		if err := ix.Index.Delete(ctx, strconv.FormatInt(ev.ProductID, 10)); err != nil {
			return fmt.Errorf("index delete %d: %w", ev.ProductID, err)
		}
	default:
		return events.Permanent(fmt.Errorf("unknown change op %q", ev.Op))
	}
	obs.Logger.Debug("change_indexed", "op", ev.Op, "product_id", ev.ProductID, "partition", msg.Partition, "offset", msg.Offset)
	return nil
}

// Analytics counts product views in the search index. Redelivered events
// are counted again, so view counts are approximate.
type Analytics struct {
	Index search.Index
}

// Handle adds one view to the viewed product's document.
func (a Analytics) Handle(ctx context.Context, msg events.Message) error {
	var ev model.ViewEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return events.Permanent(fmt.Errorf("decode view event: %w", err))
	}
	err := a.Index.IncrementViews(ctx, strconv.FormatInt(ev.ProductID, 10), 1)
	if errors.Is(err, search.ErrNotFound) {
		// the product was deleted or is not indexed yet
		obs.Logger.Info("view_dropped", "product_id", ev.ProductID, "reason", "document not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("count view %d: %w", ev.ProductID, err)
	}
	return nil
}

// Topics names the topics consumed.
type Topics struct {
	Changes string
	Views   string
}

// Register binds the indexing and analytics groups on reg.
func Register(reg *events.Registry, topics Topics, concurrency int, index search.Index) error {
	if err := reg.Register(topics.Changes, IndexingGroup, concurrency, Indexer{Index: index}.Handle); err != nil {
		return err
	}
	return reg.Register(topics.Views, AnalyticsGroup, concurrency, Analytics{Index: index}.Handle)
}
