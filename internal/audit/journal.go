// Package audit records dispatcher request/response envelopes for
// replay and observability. The in-memory journal is always available;
// the Mongo-backed journal is an optional durable alternative enabled by
// the `audit.mongo_uri` config.json section.
package audit

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/memtierd/memtierd/internal/dispatcher"
)

// MemoryJournal is the zero-configuration default: an in-process, bounded
// ring buffer of recent entries. It satisfies dispatcher.AuditJournal.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []dispatcher.AuditEntry
	cap     int
}

// NewMemoryJournal builds a MemoryJournal retaining at most capacity
// entries; capacity <= 0 means unbounded.
func NewMemoryJournal(capacity int) *MemoryJournal {
	return &MemoryJournal{cap: capacity}
}

// Record implements dispatcher.AuditJournal.
func (j *MemoryJournal) Record(_ context.Context, entry dispatcher.AuditEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	if j.cap > 0 && len(j.entries) > j.cap {
		j.entries = j.entries[len(j.entries)-j.cap:]
	}
	return nil
}

// Entries returns a snapshot of the retained entries, oldest first.
func (j *MemoryJournal) Entries() []dispatcher.AuditEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]dispatcher.AuditEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

type mongoDoc struct {
	UID       string `bson:"uid"`
	Type      string `bson:"type"`
	Direction string `bson:"direction"`
	Timestamp int64  `bson:"timestamp"`
}

// MongoJournal appends every entry to a capped-free collection; it is the
// durable alternative to the in-memory ring buffer.
type MongoJournal struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// OpenMongoJournal connects to uri and prepares the `dispatcher_audit`
// collection in the `memtierd` database.
func OpenMongoJournal(ctx context.Context, uri string, logger *zap.Logger) (*MongoJournal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	coll := client.Database("memtierd").Collection("dispatcher_audit")
	logger.Info("mongo audit journal opened", zap.String("uri", uri))
	return &MongoJournal{client: client, coll: coll, logger: logger.With(zap.String("component", "audit"))}, nil
}

// Record implements dispatcher.AuditJournal.
func (j *MongoJournal) Record(ctx context.Context, entry dispatcher.AuditEntry) error {
	doc := mongoDoc{
		UID:       entry.UID,
		Type:      entry.Type,
		Direction: entry.Direction,
		Timestamp: entry.Timestamp.UnixMilli(),
	}
	if _, err := j.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Recent returns the most recently recorded entries, newest first,
// primarily for operator inspection.
func (j *MongoJournal) Recent(ctx context.Context, limit int64) ([]dispatcher.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cur, err := j.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("audit: find: %w", err)
	}
	defer cur.Close(ctx)

	var out []dispatcher.AuditEntry
	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("audit: decode: %w", err)
		}
		out = append(out, dispatcher.AuditEntry{UID: doc.UID, Type: doc.Type, Direction: doc.Direction})
	}
	return out, cur.Err()
}

// Close disconnects the underlying client.
func (j *MongoJournal) Close(ctx context.Context) error {
	return j.client.Disconnect(ctx)
}
