package services

import (
	"context"
	"encoding/json"

	"github.com/Yulian302/lfusys-services-assets/commons/caching"
	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/redis/go-redis/v9"
)

const AssetChangedChannel = "assets:changed"

// Notifier announces asset changes. Delivery is best effort and never
// affects an upload's outcome.
type Notifier interface {
	AssetChanged(ctx context.Context, evt models.AssetChangedEvent)
}

type RedisNotifier struct {
	client     *redis.Client
	cachingSvc caching.CachingService

	logger logger.Logger
}

func NewRedisNotifier(client *redis.Client, cachingSvc caching.CachingService, l logger.Logger) *RedisNotifier {
	return &RedisNotifier{
		client:     client,
		cachingSvc: cachingSvc,
		logger:     l,
	}
}

func AssetCacheKey(databaseID, assetID string) string {
	return "asset:" + databaseID + ":" + assetID
}

func (n *RedisNotifier) AssetChanged(ctx context.Context, evt models.AssetChangedEvent) {
	if err := n.cachingSvc.Delete(ctx, AssetCacheKey(evt.DatabaseId, evt.AssetId)); err != nil {
		n.logger.Error("cached asset invalidation failed", "asset_id", evt.AssetId, "error", err)
		// not critical
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		n.logger.Error("failed to encode asset changed event", "asset_id", evt.AssetId, "error", err)
		return
	}

	if err := n.client.Publish(ctx, AssetChangedChannel, payload).Err(); err != nil {
		n.logger.Error("asset changed notification failed", "asset_id", evt.AssetId, "upload_id", evt.UploadId, "error", err)
	}
}
