// Package mongo is the document-store kv.Store: one collection of
// {key, value} documents, where value is the JSON text of the entry.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/leafsii/keyv/pkg/kv"
)

const connectTimeout = 5 * time.Second

// Config configures a MongoDB store. Exactly one of URI or Client is required.
type Config struct {
	// URI is a mongodb:// or mongodb+srv:// connection string.
	URI string

	// Client is an existing, connected client. It wins over URI, is not
	// pinged and is not disconnected by Store.Close.
	Client *mongo.Client

	// Database defaults to kv.DefaultNamespaceName.
	Database string

	// Collection defaults to kv.DefaultNamespaceName.
	Collection string

	Logger *zap.Logger
}

// Store is a MongoDB-backed implementation of the kv.Store interface
type Store struct {
	client     *mongo.Client
	ownsClient bool
	coll       *mongo.Collection
	logger     *zap.Logger
}

var _ kv.Store = (*Store)(nil)

type document struct {
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

// New creates a MongoDB store. It panics when neither URI nor Client is set.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" && cfg.Client == nil {
		panic("mongo: Config requires URI or Client")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	database := cfg.Database
	if database == "" {
		logger.Warn("database name not set, using default", zap.String("database", kv.DefaultNamespaceName))
		database = kv.DefaultNamespaceName
	}
	collection := cfg.Collection
	if collection == "" {
		logger.Warn("collection name not set, using default", zap.String("collection", kv.DefaultNamespaceName))
		collection = kv.DefaultNamespaceName
	}
	if err := kv.ValidateNamespace(database); err != nil {
		return nil, err
	}
	if err := kv.ValidateNamespace(collection); err != nil {
		return nil, err
	}

	s := &Store{client: cfg.Client, logger: logger}
	if s.client == nil {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, kv.ConnectionError("connect", err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, kv.ConnectionError("connect", err)
		}
		s.client = client
		s.ownsClient = true
	}

	s.coll = s.client.Database(database).Collection(collection)
	return s, nil
}

// Initialize ensures a unique index on key so concurrent upserts of a new key
// cannot insert duplicate documents. MongoDB creates the collection with it.
func (s *Store) Initialize(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return mapError("initialize", err)
}

func filter(key string) bson.D {
	return bson.D{{Key: "key", Value: key}}
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var doc document
	err := s.coll.FindOne(ctx, filter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapError("get", err)
	}
	value, err := kv.DecodeStored("get", []byte(doc.Value))
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set replaces the document matching key, inserting it when absent. The TTL
// is dropped with a debug diagnostic.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := kv.CheckValue("set", value); err != nil {
		return err
	}
	if ttl > 0 {
		s.logger.Debug("ttl ignored by backend", zap.String("backend", "mongodb"), zap.Duration("ttl", ttl))
	}

	_, err := s.coll.ReplaceOne(ctx, filter(key),
		document{Key: key, Value: string(value)},
		options.Replace().SetUpsert(true))
	return mapError("set", err)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.coll.DeleteMany(ctx, filter(key))
	return mapError("remove", err)
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.coll.DeleteMany(ctx, bson.D{{Key: "key", Value: bson.D{{Key: "$in", Value: keys}}}})
	return mapError("remove_many", err)
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.coll.DeleteMany(ctx, bson.D{})
	return mapError("clear", err)
}

// TTLPolicy reports kv.TTLIgnored.
func (s *Store) TTLPolicy() kv.TTLPolicy {
	return kv.TTLIgnored
}

func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping", s.client.Ping(ctx, readpref.Primary()))
}

// Collection exposes the backing collection.
func (s *Store) Collection() *mongo.Collection {
	return s.coll
}

// Close disconnects the client only when New created it.
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return mapError("close", s.client.Disconnect(ctx))
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return kv.ConnectionError(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return kv.Wrap(op, err)
	}
	return kv.QueryError(op, err)
}

func isConnectionError(err error) bool {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	if errors.Is(err, mongo.ErrClientDisconnected) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "server selection error")
}
