package buildmeta

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
)

// MongoStore reads builds from the "builds" collection. Documents use the
// build id as _id.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// OpenMongo connects to uri. An empty database falls back to "releases".
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongodb uri is required")
	}
	if database == "" {
		database = "releases"
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{client: client, coll: client.Database(database).Collection("builds")}, nil
}

// GetBuild returns the build with the given id.
func (s *MongoStore) GetBuild(ctx context.Context, id string) (*domain.BuildConfig, error) {
	var b domain.BuildConfig
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&b)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.NotFound("build " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("find build %s: %w", id, err)
	}
	return &b, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
