// Package mongo writes document batches to MongoDB with one unordered
// BulkWrite per collection. The collection is the document's index unless a
// fixed collection is configured; the document id becomes _id.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"docfeed/internal/config"
	"docfeed/internal/document"
	"docfeed/internal/sink"
)

func init() {
	sink.Register("mongo", func(_ context.Context, opts config.Options) (sink.Sink, error) {
		return Open(Config{
			URI:        opts.String("uri", ""),
			Database:   opts.String("database", ""),
			Collection: opts.String("collection", ""),
			Ordered:    opts.Bool("ordered", false),
		})
	})
}

// Config selects the deployment and namespace.
type Config struct {
	URI        string
	Database   string
	Collection string
	Ordered    bool
}

// Sink is a sink.BulkSink over a mongo.Client.
type Sink struct {
	cfg    Config
	client *mongo.Client
	db     *mongo.Database
}

// Open creates the client. The driver connects lazily.
func Open(cfg Config) (*Sink, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongo: database is required")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &Sink{cfg: cfg, client: client, db: client.Database(cfg.Database)}, nil
}

func (s *Sink) Create(ctx context.Context, d *document.Document) error { return s.Bulk(ctx, []*document.Document{d}) }
func (s *Sink) Index(ctx context.Context, d *document.Document) error  { return s.Bulk(ctx, []*document.Document{d}) }
func (s *Sink) Update(ctx context.Context, d *document.Document) error { return s.Bulk(ctx, []*document.Document{d}) }
func (s *Sink) Delete(ctx context.Context, d *document.Document) error { return s.Bulk(ctx, []*document.Document{d}) }

// Bulk writes docs grouped by collection.
func (s *Sink) Bulk(ctx context.Context, docs []*document.Document) error {
	groups, err := group(docs, s.cfg.Collection)
	if err != nil {
		return err
	}
	opts := options.BulkWrite().SetOrdered(s.cfg.Ordered)
	be := &sink.BulkError{}
	for _, g := range groups {
		res, err := s.db.Collection(g.name).BulkWrite(ctx, g.models, opts)
		if err != nil {
			var bwe mongo.BulkWriteException
			if !errors.As(err, &bwe) || len(bwe.WriteErrors) == 0 {
				return fmt.Errorf("mongo: bulk write %s: %w", g.name, err)
			}
			be.Items = append(be.Items, itemErrors(g, bwe)...)
			continue
		}
		log.Debugf("mongo: %s inserted=%d upserted=%d modified=%d deleted=%d",
			g.name, res.InsertedCount, res.UpsertedCount, res.ModifiedCount, res.DeletedCount)
	}
	if len(be.Items) > 0 {
		return be
	}
	return nil
}

// Flush is a no-op; BulkWrite is acknowledged synchronously.
func (s *Sink) Flush(context.Context) error { return nil }

// Close disconnects the client.
func (s *Sink) Close() error {
	return s.client.Disconnect(context.Background())
}

const duplicateKey = 11000

type collectionGroup struct {
	name   string
	docs   []*document.Document
	models []mongo.WriteModel
}

// group builds write models per collection, keeping first-seen order.
func group(docs []*document.Document, fixed string) ([]*collectionGroup, error) {
	var out []*collectionGroup
	byName := map[string]*collectionGroup{}
	for _, d := range docs {
		name := fixed
		if name == "" {
			name = d.Index
		}
		if name == "" {
			return nil, fmt.Errorf("mongo: %s has no collection", d)
		}
		m, err := model(d)
		if err != nil {
			return nil, err
		}
		g, ok := byName[name]
		if !ok {
			g = &collectionGroup{name: name}
			byName[name] = g
			out = append(out, g)
		}
		g.docs = append(g.docs, d)
		g.models = append(g.models, m)
	}
	return out, nil
}

func model(d *document.Document) (mongo.WriteModel, error) {
	filter := bson.D{{Key: "_id", Value: d.ID}}
	if d.Op == document.OpDelete {
		return mongo.NewDeleteOneModel().SetFilter(filter), nil
	}
	body, err := d.SourceMap()
	if err != nil {
		return nil, fmt.Errorf("mongo: %s: %w", d, err)
	}
	switch d.Op {
	case document.OpCreate:
		if d.ID != "" {
			body["_id"] = d.ID
		}
		return mongo.NewInsertOneModel().SetDocument(body), nil
	case document.OpUpdate:
		delete(body, "_id")
		return mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(bson.M{"$set": body}).SetUpsert(true), nil
	default:
		delete(body, "_id")
		return mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(body).SetUpsert(true), nil
	}
}

func itemErrors(g *collectionGroup, bwe mongo.BulkWriteException) []sink.ItemError {
	out := make([]sink.ItemError, 0, len(bwe.WriteErrors))
	for _, we := range bwe.WriteErrors {
		ie := sink.ItemError{Index: g.name, Status: we.Code, Reason: strings.TrimSpace(we.Message)}
		if we.Index >= 0 && we.Index < len(g.docs) {
			ie.Op = g.docs[we.Index].Op
			ie.ID = g.docs[we.Index].ID
		}
		if ie.Op == document.OpCreate && we.Code == duplicateKey {
			// create of an existing id is a no-op
			continue
		}
		out = append(out, ie)
	}
	return out
}
