// Package bootstrap holds the client-construction boilerplate shared by the
// four cmd/* entry points: connecting to MongoDB, Redis, and Pub/Sub from
// the URLs and project/topic names in internal/config, so each main stays
// thin.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoDatabaseName is the single database every collection lives in; the
// three Progress Store collections (Requests, RequestProgress,
// ManualActions) are all created under it on first write.
const mongoDatabaseName = "priorauth"

// ConnectMongo dials uri and returns the priorauth database plus a
// disconnect func for graceful shutdown.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Database, func(context.Context) error, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}

	return client.Database(mongoDatabaseName), client.Disconnect, nil
}

// ConnectRedis parses url and opens a client, used by both the Log Relay
// (C8) and the Redis-backed dedup Cache (C6).
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// ConnectPubSub opens a Pub/Sub client scoped to projectID.
func ConnectPubSub(ctx context.Context, projectID string) (*pubsub.Client, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("connect pubsub: %w", err)
	}
	return client, nil
}
