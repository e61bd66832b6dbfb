package client

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/feed"
	"github.com/ValentinKolb/dDoc/lib/repl"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// NewSyncSourceDialer returns a repl.Dialer connecting to a primary through the
// ordinary wire protocol with the given client options.
func NewSyncSourceDialer(config common.ClientConfig) repl.Dialer {
	return func(ctx context.Context, host string) (repl.SyncSource, error) {
		c, err := Connect(ctx, config, host, true)
		if err != nil {
			return nil, err
		}
		Logger.Debugf("sync source %s connected", host)
		return &syncSource{client: c, host: host, config: config}, nil
	}
}

// syncSource implements repl.SyncSource over a driver client.
type syncSource struct {
	client *mongo.Client
	host   string
	config common.ClientConfig
}

// statusReply is the part of a replSetGetStatus reply a secondary needs.
type statusReply struct {
	Feed struct {
		Sequence int64  `bson:"sequence"`
		Epoch    string `bson:"epoch"`
	} `bson:"feed"`
}

// --------------------------------------------------------------------------
// Interface Methods (docu see repl.SyncSource)
// --------------------------------------------------------------------------

func (s *syncSource) Status(ctx context.Context) (repl.Position, error) {
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	var reply statusReply
	err := s.client.Database("admin").RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&reply)
	if err != nil {
		return repl.Position{}, commandError(err)
	}
	if reply.Feed.Epoch == "" {
		return repl.Position{}, fmt.Errorf("%s reported no change feed position", s.host)
	}
	return repl.Position{Epoch: reply.Feed.Epoch, Sequence: uint64(reply.Feed.Sequence)}, nil
}

func (s *syncSource) Collections(ctx context.Context) ([]db.Namespace, error) {
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	databases, err := s.client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, commandError(err)
	}

	var out []db.Namespace
	for _, database := range databases {
		names, err := s.client.Database(database).ListCollectionNames(ctx, bson.D{})
		if err != nil {
			return nil, commandError(err)
		}
		for _, name := range names {
			out = append(out, db.NewNamespace(database, name))
		}
	}
	return out, nil
}

func (s *syncSource) Documents(ctx context.Context, ns db.Namespace, fn func(doc bson.D) error) error {
	cur, err := s.client.Database(ns.DB).Collection(ns.Coll).Find(ctx, bson.D{})
	if err != nil {
		return commandError(err)
	}
	defer cur.Close(context.Background())

	for cur.Next(ctx) {
		var doc bson.D
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("decode document of %s: %w", ns, err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return commandError(cur.Err())
}

func (s *syncSource) Subscribe(ctx context.Context, from repl.Position) (repl.EventStream, error) {
	token := common.NewResumeToken(from.Epoch, from.Sequence)
	opts := options.ChangeStream().SetResumeAfter(token.Document())
	if s.config.ChangeStreamAwait > 0 {
		opts.SetMaxAwaitTime(s.config.ChangeStreamAwait)
	}

	cs, err := s.client.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return nil, commandError(err)
	}
	Logger.Debugf("change stream on %s opened after %s", s.host, from)
	return &eventStream{cs: cs, epoch: from.Epoch}, nil
}

func (s *syncSource) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *syncSource) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// --------------------------------------------------------------------------
// Event Stream
// --------------------------------------------------------------------------

// changeDocument is a change stream event as sent by the server.
type changeDocument struct {
	ID            bson.Raw `bson:"_id"`
	OperationType string   `bson:"operationType"`
	NS            struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey  bson.D              `bson:"documentKey"`
	FullDocument bson.D              `bson:"fullDocument"`
	ClusterTime  primitive.Timestamp `bson:"clusterTime"`
	WallTime     time.Time           `bson:"wallTime"`
}

type eventStream struct {
	cs    *mongo.ChangeStream
	epoch string
}

func (e *eventStream) Next(ctx context.Context) (feed.ChangeEvent, error) {
	if !e.cs.Next(ctx) {
		if err := ctx.Err(); err != nil {
			return feed.ChangeEvent{}, err
		}
		if err := e.cs.Err(); err != nil {
			return feed.ChangeEvent{}, commandError(err)
		}
		return feed.ChangeEvent{}, fmt.Errorf("change stream closed")
	}
	return decodeEvent(e.cs.Current, e.epoch)
}

func (e *eventStream) Close(ctx context.Context) error {
	return e.cs.Close(ctx)
}

// decodeEvent converts a change stream document into a ChangeEvent, taking the
// sequence number from the resume token.
func decodeEvent(raw bson.Raw, epoch string) (feed.ChangeEvent, error) {
	var doc changeDocument
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return feed.ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}

	token, err := common.ParseResumeToken(doc.ID)
	if err != nil {
		return feed.ChangeEvent{}, err
	}
	if token.Epoch != epoch {
		return feed.ChangeEvent{}, fmt.Errorf("%w: event of feed %s on a stream of feed %s", feed.ErrHistoryLost, token.Epoch, epoch)
	}
	seq, _ := token.Sequence()

	op := feed.OperationType(doc.OperationType)
	switch op {
	case feed.OpInsert, feed.OpUpdate, feed.OpDelete, feed.OpDrop:
	default:
		return feed.ChangeEvent{}, fmt.Errorf("unsupported change event type %q", doc.OperationType)
	}

	return feed.ChangeEvent{
		Sequence:      seq,
		OperationType: op,
		Namespace:     db.NewNamespace(doc.NS.DB, doc.NS.Coll),
		DocumentKey:   doc.DocumentKey,
		FullDocument:  doc.FullDocument,
		WallTime:      doc.WallTime,
		ClusterTime:   doc.ClusterTime,
	}, nil
}
