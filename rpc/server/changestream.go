package server

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/feed"
	"github.com/ValentinKolb/dDoc/lib/query"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"go.mongodb.org/mongo-driver/bson"
)

const defaultAwaitTime = time.Second

// changeStream is the state of a change stream cursor.
type changeStream struct {
	sub    *feed.Subscription
	epoch  string
	scope  func(ns db.Namespace) bool
	stages []query.Stage
}

// openChangeStream subscribes to the feed at the position requested by cmd.
func (s *DocServer) openChangeStream(cmd ChangeStreamCommand) (*changeStream, error) {
	epoch := s.feed.Epoch().String()

	start := s.feed.LastSequence()
	switch {
	case cmd.ResumeAfter != nil:
		if cmd.ResumeAfter.Epoch != epoch {
			return nil, common.NewCommandError(common.CodeChangeStreamHistoryLost,
				"resume token of change feed %s does not belong to this server (feed %s)", cmd.ResumeAfter.Epoch, epoch)
		}
		start, _ = cmd.ResumeAfter.Sequence()
	case cmd.StartAtOperationTime != nil:
		start = s.feed.PositionAt(*cmd.StartAtOperationTime)
	}

	stages, err := query.CompilePipeline(cmd.Pipeline)
	if err != nil {
		return nil, err
	}

	sub, err := s.feed.SubscribeFrom(start)
	if err != nil {
		return nil, streamError(err)
	}

	var scope func(ns db.Namespace) bool
	switch {
	case cmd.AllChangesForCluster:
		scope = func(db.Namespace) bool { return true }
	case cmd.Collection == "":
		scope = func(ns db.Namespace) bool { return ns.DB == cmd.Database }
	default:
		want := db.NewNamespace(cmd.Database, cmd.Collection)
		scope = func(ns db.Namespace) bool { return ns == want }
	}

	return &changeStream{sub: sub, epoch: epoch, scope: scope, stages: stages}, nil
}

// next collects up to size events (0 = default batch size). If no event is
// available it waits up to wait for the first one.
func (cs *changeStream) next(ctx context.Context, size int, wait time.Duration) (bson.A, error) {
	if size <= 0 {
		size = defaultBatchSize
	}
	deadline := time.Now().Add(wait)
	batch := bson.A{}

	for len(batch) < size {
		ev, ok, err := cs.sub.TryNext()
		if err != nil {
			return batch, streamError(err)
		}
		if !ok {
			remaining := time.Until(deadline)
			if len(batch) > 0 || remaining <= 0 {
				break
			}
			waitCtx, cancel := context.WithTimeout(ctx, remaining)
			ev, err = cs.sub.Next(waitCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					break
				}
				return batch, streamError(err)
			}
		}

		doc, err := cs.render(ev)
		if err != nil {
			return batch, err
		}
		if doc != nil {
			batch = append(batch, doc)
		}
	}
	return batch, nil
}

// resumeToken returns the token of the last event the stream looked at.
func (cs *changeStream) resumeToken() bson.D {
	return common.NewResumeToken(cs.epoch, cs.sub.Position()).Document()
}

func (cs *changeStream) close() {
	cs.sub.Cancel()
}

// render returns the event document of ev, or nil if ev is filtered out.
func (cs *changeStream) render(ev feed.ChangeEvent) (bson.D, error) {
	if !cs.scope(ev.Namespace) {
		return nil, nil
	}
	docs := []bson.D{eventDocument(ev, cs.epoch)}
	for _, stage := range cs.stages {
		var err error
		if docs, err = stage(docs); err != nil {
			return nil, err
		}
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// eventDocument renders a change event the way change stream clients expect it.
func eventDocument(ev feed.ChangeEvent, epoch string) bson.D {
	doc := bson.D{
		{Key: "_id", Value: common.NewResumeToken(epoch, ev.Sequence).Document()},
		{Key: "operationType", Value: string(ev.OperationType)},
		{Key: "clusterTime", Value: ev.ClusterTime},
		{Key: "wallTime", Value: ev.WallTime},
		{Key: "ns", Value: bson.D{{Key: "db", Value: ev.Namespace.DB}, {Key: "coll", Value: ev.Namespace.Coll}}},
	}
	if len(ev.DocumentKey) > 0 {
		doc = append(doc, bson.E{Key: "documentKey", Value: ev.DocumentKey})
	}
	if ev.OperationType == feed.OpInsert || ev.OperationType == feed.OpUpdate {
		doc = append(doc, bson.E{Key: "fullDocument", Value: ev.FullDocument})
	}
	return doc
}

// streamError converts feed errors into command errors.
func streamError(err error) error {
	switch {
	case errors.Is(err, feed.ErrHistoryLost):
		return common.NewCommandError(common.CodeChangeStreamHistoryLost, "%v", err)
	case errors.Is(err, feed.ErrCancelled):
		return common.NewCommandError(common.CodeCursorNotFound, "change stream cursor was killed")
	case errors.Is(err, feed.ErrClosed), errors.Is(err, context.Canceled):
		return common.NewCommandError(common.CodeInterrupted, "interrupted at shutdown")
	}
	return err
}
