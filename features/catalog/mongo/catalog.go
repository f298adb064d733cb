// Package mongo implements a MongoDB-backed flow catalog. Each document
// holds one flow definition plus its extracted route index so route
// resolution is a single indexed query.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/flowmesh/flowmesh/catalog"
	"github.com/flowmesh/flowmesh/flow"
)

const (
	defaultCollection = "flows"
	defaultTimeout    = 5 * time.Second
)

type (
	// Options configures the catalog.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Catalog implements catalog.Catalog and catalog.Writer on MongoDB.
	Catalog struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	flowDocument struct {
		ID         string           `bson:"_id"`
		Routes     []*catalog.Route `bson:"routes"`
		Definition string           `bson:"definition"`
		UpdatedAt  time.Time        `bson:"updated_at"`
	}
)

var (
	_ catalog.Catalog = (*Catalog)(nil)
	_ catalog.Writer  = (*Catalog)(nil)
)

// New builds a Mongo-backed catalog and ensures the route index.
func New(opts Options) (*Catalog, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Catalog{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure catalog indexes: %w", err)
	}
	return c, nil
}

func (c *Catalog) ensureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "routes.method", Value: 1}, {Key: "routes.path", Value: 1}},
	})
	return err
}

// Ping verifies connectivity to the primary.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Name identifies the catalog for health reporting.
func (c *Catalog) Name() string { return "catalog-mongo" }

// Resolve finds the document whose route index matches method and path.
func (c *Catalog) Resolve(ctx context.Context, method, path string) (*catalog.Route, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	key := catalog.RouteKey(method, path)
	filter := bson.M{"routes": bson.M{"$elemMatch": bson.M{
		"method": methodOf(key),
		"path":   catalog.NormalizePath(path),
	}}}
	var doc flowDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s %s", catalog.ErrRouteNotFound, method, path)
		}
		return nil, fmt.Errorf("catalog resolve: %w", err)
	}
	for _, r := range doc.Routes {
		if catalog.RouteKey(r.Method, r.Path) == key {
			out := *r
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", catalog.ErrRouteNotFound, method, path)
}

// Flow fetches and parses a flow definition by id.
func (c *Catalog) Flow(ctx context.Context, id string) (*flow.Flow, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc flowDocument
	if err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", catalog.ErrFlowNotFound, id)
		}
		return nil, fmt.Errorf("catalog fetch: %w", err)
	}
	f, err := flow.ParseJSON([]byte(doc.Definition))
	if err != nil {
		return nil, fmt.Errorf("catalog fetch %s: corrupt definition: %w", id, err)
	}
	return f, nil
}

// PutFlow validates the flow and upserts its document with a fresh route
// index.
func (c *Catalog) PutFlow(ctx context.Context, f *flow.Flow) error {
	if err := f.Validate(); err != nil {
		return err
	}
	definition, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("catalog put %s: encode: %w", f.ID, err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := flowDocument{
		ID:         f.ID,
		Routes:     catalog.RoutesOf(f),
		Definition: string(definition),
		UpdatedAt:  time.Now().UTC(),
	}
	_, err = c.coll.UpdateOne(ctx,
		bson.M{"_id": f.ID},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("catalog put %s: %w", f.ID, err)
	}
	return nil
}

// DeleteFlow removes the flow document.
func (c *Catalog) DeleteFlow(ctx context.Context, id string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("catalog delete %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", catalog.ErrFlowNotFound, id)
	}
	return nil
}

func (c *Catalog) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func methodOf(routeKey string) string {
	for i := 0; i < len(routeKey); i++ {
		if routeKey[i] == ' ' {
			return routeKey[:i]
		}
	}
	return routeKey
}
