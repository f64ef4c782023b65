package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smarthealth/auditchain/internal/chain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultMongoCollection = "blockchain_ledger"

type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoStore keeps one document per block in a single collection.
type MongoStore struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
}

// mongoBlock is the stored document. Data stays raw BSON on the way out so it
// can be turned back into plain JSON values before hashing.
type mongoBlock struct {
	Index        int64     `bson:"index"`
	Timestamp    time.Time `bson:"timestamp"`
	Data         bson.Raw  `bson:"data"`
	PreviousHash string    `bson:"previous_hash"`
	Nonce        int64     `bson:"nonce"`
	Hash         string    `bson:"hash"`
}

func OpenMongo(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if cfg.Collection == "" {
		cfg.Collection = DefaultMongoCollection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s := &MongoStore{
		client:  client,
		coll:    client.Database(cfg.Database).Collection(cfg.Collection),
		timeout: cfg.Timeout,
	}

	if err := s.EnsureIndexes(connectCtx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	return s, nil
}

// EnsureIndexes creates the unique index on index and the secondary indexes
// used by trail and report queries.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "index", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("index_unique"),
		},
		{
			Keys:    bson.D{{Key: "data.patient_id", Value: 1}},
			Options: options.Index().SetName("data_patient_id"),
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("timestamp_desc"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Latest(ctx context.Context) (*chain.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc mongoBlock
	opts := options.FindOne().SetSort(bson.D{{Key: "index", Value: -1}})
	err := s.coll.FindOne(ctx, bson.M{}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest block: %w", err)
	}

	return doc.toBlock()
}

func (s *MongoStore) Insert(ctx context.Context, b *chain.Block) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := newMongoBlock(b)
	if err != nil {
		return err
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %d", chain.ErrDuplicateIndex, b.Index)
		}
		return fmt.Errorf("failed to insert block %d: %w", b.Index, err)
	}
	return nil
}

func (s *MongoStore) Iterate(ctx context.Context, fn func(*chain.Block) error) error {
	opts := options.Find().SetSort(bson.D{{Key: "index", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return fmt.Errorf("failed to scan blocks: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc mongoBlock
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode block: %w", err)
		}
		b, err := doc.toBlock()
		if err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return cursor.Err()
}

func (s *MongoStore) Find(ctx context.Context, filter chain.Filter) ([]*chain.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{
		{Key: "timestamp", Value: -1},
		{Key: "index", Value: -1},
	})
	if filter.Skip > 0 {
		opts.SetSkip(int64(filter.Skip))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.coll.Find(ctx, mongoFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer cursor.Close(ctx)

	blocks := []*chain.Block{}
	for cursor.Next(ctx) {
		var doc mongoBlock
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode block: %w", err)
		}
		b, err := doc.toBlock()
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	return blocks, nil
}

func (s *MongoStore) Count(ctx context.Context, filter chain.Filter) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.coll.CountDocuments(ctx, mongoFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("failed to count blocks: %w", err)
	}
	return n, nil
}

func (s *MongoStore) ActionHistogram(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$data.action_type"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate action types: %w", err)
	}
	defer cursor.Close(ctx)

	histogram := make(map[string]int64)
	for cursor.Next(ctx) {
		var row struct {
			Action *string `bson:"_id"`
			Count  int64   `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode histogram row: %w", err)
		}
		action := "unknown"
		if row.Action != nil {
			action = *row.Action
		}
		histogram[action] += row.Count
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	return histogram, nil
}

func mongoFilter(f chain.Filter) bson.M {
	filter := bson.M{}
	if f.PatientID != "" {
		filter["data.patient_id"] = f.PatientID
	}
	if f.ActionType != "" {
		filter["data.action_type"] = string(f.ActionType)
	}
	if !f.Since.IsZero() {
		filter["timestamp"] = bson.M{"$gte": f.Since.UTC()}
	}
	return filter
}

func newMongoBlock(b *chain.Block) (*mongoBlock, error) {
	raw, err := bson.Marshal(b.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode block data: %w", err)
	}
	return &mongoBlock{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		Data:         raw,
		PreviousHash: b.PreviousHash,
		Nonce:        b.Nonce,
		Hash:         b.Hash,
	}, nil
}

// toBlock converts the document back through relaxed extended JSON so numbers
// and nested values come out exactly as NormalizeData produced them.
func (d *mongoBlock) toBlock() (*chain.Block, error) {
	data := map[string]interface{}{}
	if len(d.Data) > 0 {
		ext, err := bson.MarshalExtJSON(d.Data, false, false)
		if err != nil {
			return nil, fmt.Errorf("failed to convert block %d data: %w", d.Index, err)
		}
		if err := json.Unmarshal(ext, &data); err != nil {
			return nil, fmt.Errorf("failed to decode block %d data: %w", d.Index, err)
		}
	}

	return &chain.Block{
		Index:        d.Index,
		Timestamp:    d.Timestamp.UTC(),
		Data:         data,
		PreviousHash: d.PreviousHash,
		Nonce:        d.Nonce,
		Hash:         d.Hash,
	}, nil
}
