package server

import (
	"context"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/query"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"go.mongodb.org/mongo-driver/bson"
)

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

func (s *DocServer) find(c FindCommand) (bson.D, error) {
	matcher, err := query.Compile(c.Filter)
	if err != nil {
		return nil, err
	}
	sorter, err := query.CompileSort(c.Sort)
	if err != nil {
		return nil, err
	}
	projector, err := query.CompileProjection(c.Projection)
	if err != nil {
		return nil, err
	}

	limit := c.Limit
	singleBatch := c.SingleBatch
	if limit < 0 {
		limit = -limit
		singleBatch = true
	}

	// without a sort the scan can stop as soon as skip+limit documents matched
	scanLimit := 0
	if len(c.Sort) == 0 && limit > 0 {
		scanLimit = int(c.Skip + limit)
	}
	docs, err := s.store.Find(c.NS, matcher, scanLimit)
	if err != nil {
		return nil, err
	}

	sorter(docs)
	docs = window(docs, c.Skip, limit)
	for i := range docs {
		docs[i] = projector(docs[i])
	}

	return s.cursorReply(c.NS.String(), docs, c.BatchSize, singleBatch), nil
}

func (s *DocServer) count(c CountCommand) (bson.D, error) {
	matcher, err := query.Compile(c.Query)
	if err != nil {
		return nil, err
	}
	n, err := s.store.Count(c.NS, matcher)
	if err != nil {
		return nil, err
	}

	total := int64(n) - c.Skip
	if total < 0 {
		total = 0
	}
	if c.Limit > 0 && total > c.Limit {
		total = c.Limit
	}
	return bson.D{{Key: "n", Value: total}}, nil
}

func (s *DocServer) aggregate(c AggregateCommand) (bson.D, error) {
	stages, err := query.CompilePipeline(c.Pipeline)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Find(c.NS, nil, 0)
	if err != nil {
		return nil, err
	}
	for _, stage := range stages {
		if docs, err = stage(docs); err != nil {
			return nil, err
		}
	}
	return s.cursorReply(c.NS.String(), docs, c.BatchSize, false), nil
}

// cursorReply returns the first batch of docs and registers a cursor for the rest.
func (s *DocServer) cursorReply(ns string, docs []bson.D, batchSize int32, singleBatch bool) bson.D {
	size := int(batchSize)
	if size == 0 {
		size = defaultBatchSize
	}
	batch, rest := takeBatch(docs, size)

	var id int64
	if len(rest) > 0 && !singleBatch {
		id = s.cursors.register(&cursor{ns: ns, docs: rest})
	}
	return bson.D{{Key: "cursor", Value: cursorDocument(id, ns, "firstBatch", batch)}}
}

// window applies skip and limit (0 = no limit) to docs.
func window(docs []bson.D, skip, limit int64) []bson.D {
	if skip >= int64(len(docs)) {
		return docs[:0]
	}
	docs = docs[skip:]
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// writeErrors collects the per statement failures of a write command.
type writeErrors bson.A

func (w *writeErrors) add(index int, err error) {
	cmdErr := toCommandError(err)
	*w = append(*w, bson.D{
		{Key: "index", Value: int32(index)},
		{Key: "code", Value: cmdErr.Code},
		{Key: "errmsg", Value: cmdErr.Msg},
	})
}

// reply appends the writeErrors field if any statement failed.
func (w writeErrors) reply(doc bson.D) bson.D {
	if len(w) > 0 {
		doc = append(doc, bson.E{Key: "writeErrors", Value: bson.A(w)})
	}
	return doc
}

func (s *DocServer) insert(c InsertCommand) (bson.D, error) {
	var errs writeErrors
	n := 0
	for i, doc := range c.Documents {
		var err error
		if size := db.DocumentSize(doc); size > common.MaxBsonObjectSize {
			err = common.NewCommandError(common.CodeBadValue, "document of %d bytes exceeds the maximum of %d", size, common.MaxBsonObjectSize)
		} else {
			_, err = s.store.Insert(c.NS, doc)
		}
		if err != nil {
			errs.add(i, err)
			if c.Ordered {
				break
			}
			continue
		}
		n++
	}
	return errs.reply(bson.D{{Key: "n", Value: int32(n)}}), nil
}

func (s *DocServer) update(c UpdateCommand) (bson.D, error) {
	var errs writeErrors
	var upserted bson.A
	matched, modified := 0, 0

	for i, spec := range c.Updates {
		res, err := s.updateOne(c.NS, spec)
		matched += res.Matched
		modified += res.Modified
		if res.UpsertedID != nil {
			upserted = append(upserted, bson.D{{Key: "index", Value: int32(i)}, {Key: "_id", Value: res.UpsertedID}})
		}
		if err != nil {
			errs.add(i, err)
			if c.Ordered {
				break
			}
		}
	}

	reply := bson.D{
		{Key: "n", Value: int32(matched + len(upserted))},
		{Key: "nModified", Value: int32(modified)},
	}
	if len(upserted) > 0 {
		reply = append(reply, bson.E{Key: "upserted", Value: upserted})
	}
	return errs.reply(reply), nil
}

func (s *DocServer) updateOne(ns db.Namespace, spec UpdateSpec) (store.UpdateResult, error) {
	matcher, err := query.Compile(spec.Filter)
	if err != nil {
		return store.UpdateResult{}, err
	}
	var seed bson.D
	if spec.Upsert {
		seed = query.UpsertSeed(spec.Filter)
	}
	apply := func(doc bson.D, insert bool) (bson.D, error) {
		return query.ApplyUpdate(doc, spec.Update, insert)
	}
	return s.store.Update(ns, matcher, seed, apply, store.UpdateOptions{Multi: spec.Multi, Upsert: spec.Upsert})
}

func (s *DocServer) delete(c DeleteCommand) (bson.D, error) {
	var errs writeErrors
	n := 0
	for i, spec := range c.Deletes {
		matcher, err := query.Compile(spec.Filter)
		if err == nil {
			var deleted int
			deleted, err = s.store.Delete(c.NS, matcher, spec.Limit)
			n += deleted
		}
		if err != nil {
			errs.add(i, err)
			if c.Ordered {
				break
			}
		}
	}
	return errs.reply(bson.D{{Key: "n", Value: int32(n)}}), nil
}

// --------------------------------------------------------------------------
// Cursors
// --------------------------------------------------------------------------

func (s *DocServer) changeStream(c ChangeStreamCommand) (bson.D, error) {
	cs, err := s.openChangeStream(c)
	if err != nil {
		return nil, err
	}

	ns := c.Database + "." + c.Collection
	if c.Collection == "" {
		ns = c.Database + ".$cmd.aggregate"
	}

	// the first batch only holds what is already available
	batch, err := cs.next(s.ctx, int(c.BatchSize), 0)
	if err != nil {
		cs.close()
		return nil, err
	}
	id := s.cursors.register(&cursor{ns: ns, stream: cs})
	return bson.D{{Key: "cursor", Value: cursorDocument(id, ns, "firstBatch", batch,
		bson.E{Key: "postBatchResumeToken", Value: cs.resumeToken()})}}, nil
}

func (s *DocServer) getMore(ctx context.Context, c GetMoreCommand) (bson.D, error) {
	cur, ok := s.cursors.get(c.CursorID)
	if !ok {
		return nil, common.NewCommandError(common.CodeCursorNotFound, "cursor id %d not found", c.CursorID)
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if cur.killed.Load() {
		return nil, common.NewCommandError(common.CodeCursorNotFound, "cursor id %d not found", c.CursorID)
	}
	defer cur.touch()

	if cur.stream != nil {
		wait := c.MaxTime
		if wait == 0 {
			wait = defaultAwaitTime
		}
		batch, err := cur.stream.next(ctx, int(c.BatchSize), wait)
		if err != nil {
			s.cursors.kill(cur.id)
			return nil, err
		}
		return bson.D{{Key: "cursor", Value: cursorDocument(cur.id, cur.ns, "nextBatch", batch,
			bson.E{Key: "postBatchResumeToken", Value: cur.stream.resumeToken()})}}, nil
	}

	batch, rest := takeBatch(cur.docs, int(c.BatchSize))
	cur.docs = rest
	id := cur.id
	if len(rest) == 0 {
		s.cursors.kill(cur.id)
		id = 0
	}
	return bson.D{{Key: "cursor", Value: cursorDocument(id, cur.ns, "nextBatch", batch)}}, nil
}

func (s *DocServer) killCursors(c KillCursorsCommand) (bson.D, error) {
	killed, notFound := bson.A{}, bson.A{}
	for _, id := range c.CursorIDs {
		if s.cursors.kill(id) {
			killed = append(killed, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return bson.D{
		{Key: "cursorsKilled", Value: killed},
		{Key: "cursorsNotFound", Value: notFound},
		{Key: "cursorsAlive", Value: bson.A{}},
		{Key: "cursorsUnknown", Value: bson.A{}},
	}, nil
}
