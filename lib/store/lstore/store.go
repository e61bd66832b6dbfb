package lstore

import (
	"sync"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/ValentinKolb/dDoc/lib/feed"
	"github.com/ValentinKolb/dDoc/lib/query"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.mongodb.org/mongo-driver/bson"
)

var Logger = logger.GetLogger("store")

type storeImpl struct {
	db   db.IDocDB
	feed *feed.ChangeFeed

	// mu is held shared by every collection scoped call and exclusively by
	// database wide operations (dropDatabase).
	mu    sync.RWMutex
	locks *xsync.MapOf[db.Namespace, *sync.RWMutex]
}

// NewLocalStore creates a new local store instance on top of the database created by
// factory. Every mutation is appended to changeFeed inside the collection lock.
func NewLocalStore(factory store.DBFactory, changeFeed *feed.ChangeFeed) store.IStore {
	return &storeImpl{
		db:    factory(),
		feed:  changeFeed,
		locks: xsync.NewMapOf[db.Namespace, *sync.RWMutex](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Insert(ns db.Namespace, doc bson.D) (interface{}, error) {
	if !ns.Valid() {
		return nil, store.Errorf(store.RetCInvalidOperation, "invalid namespace %q", ns)
	}
	doc = db.EnsureID(doc)
	id, _ := db.IDOf(doc)
	if _, err := db.IDKey(id); err != nil {
		return nil, store.NewError(store.RetCInvalidOperation, err.Error())
	}

	unlock := s.lock(ns)
	defer unlock()

	if _, exists := s.db.Get(ns, id); exists {
		return nil, duplicateKey(ns, id)
	}
	if err := s.put(ns, doc); err != nil {
		return nil, err
	}
	s.append(feed.OpInsert, ns, id, doc)
	return id, nil
}

func (s *storeImpl) Update(ns db.Namespace, filter query.Matcher, seed bson.D, fn store.Updater, opts store.UpdateOptions) (store.UpdateResult, error) {
	var res store.UpdateResult
	if !ns.Valid() {
		return res, store.Errorf(store.RetCInvalidOperation, "invalid namespace %q", ns)
	}
	filter = orAll(filter)

	unlock := s.lock(ns)
	defer unlock()

	var targets []bson.D
	s.db.Scan(ns, func(doc bson.D) bool {
		if filter(doc) {
			targets = append(targets, doc)
			return opts.Multi
		}
		return true
	})

	for _, old := range targets {
		res.Matched++
		next, err := fn(old, false)
		if err != nil {
			return res, store.NewError(store.RetCInvalidOperation, err.Error())
		}
		if db.DocumentsEqual(old, next) {
			continue
		}
		if err := s.put(ns, next); err != nil {
			return res, err
		}
		res.Modified++
		id, _ := db.IDOf(next)
		s.append(feed.OpUpdate, ns, id, next)
	}

	if res.Matched > 0 {
		return res, nil
	}
	if !opts.Upsert {
		return res, store.Errorf(store.RetCNotFound, "no document in %s matched the update filter", ns)
	}

	doc, err := fn(db.CloneDocument(seed), true)
	if err != nil {
		return res, store.NewError(store.RetCInvalidOperation, err.Error())
	}
	doc = db.EnsureID(doc)
	id, _ := db.IDOf(doc)
	if _, exists := s.db.Get(ns, id); exists {
		return res, duplicateKey(ns, id)
	}
	if err := s.put(ns, doc); err != nil {
		return res, err
	}
	s.append(feed.OpInsert, ns, id, doc)
	res.UpsertedID = id
	return res, nil
}

func (s *storeImpl) Delete(ns db.Namespace, filter query.Matcher, limit int) (int, error) {
	filter = orAll(filter)

	unlock := s.lock(ns)
	defer unlock()

	var ids []interface{}
	s.db.Scan(ns, func(doc bson.D) bool {
		if filter(doc) {
			id, _ := db.IDOf(doc)
			ids = append(ids, id)
		}
		return limit <= 0 || len(ids) < limit
	})

	deleted := 0
	for _, id := range ids {
		if _, ok := s.db.Delete(ns, id); ok {
			deleted++
			s.append(feed.OpDelete, ns, id, nil)
		}
	}
	if deleted == 0 {
		return 0, store.Errorf(store.RetCNotFound, "no document in %s matched the delete filter", ns)
	}
	return deleted, nil
}

func (s *storeImpl) CreateCollection(ns db.Namespace) (bool, error) {
	if !ns.Valid() {
		return false, store.Errorf(store.RetCInvalidOperation, "invalid namespace %q", ns)
	}
	unlock := s.lock(ns)
	defer unlock()
	return s.db.CreateCollection(ns), nil
}

func (s *storeImpl) DropCollection(ns db.Namespace) (bool, error) {
	unlock := s.lock(ns)
	defer unlock()
	return s.dropCollection(ns), nil
}

func (s *storeImpl) DropDatabase(database string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []string
	for _, coll := range s.db.ListCollections(database) {
		if s.dropCollection(db.NewNamespace(database, coll)) {
			dropped = append(dropped, coll)
		}
	}
	return dropped, nil
}

func (s *storeImpl) ApplyChange(ev feed.ChangeEvent) (bool, error) {
	ns := ev.Namespace
	if !ns.Valid() {
		return false, store.Errorf(store.RetCInvalidOperation, "invalid namespace %q in change event", ns)
	}

	switch ev.OperationType {
	case feed.OpInsert, feed.OpUpdate:
		return s.upsert(ns, ev.FullDocument)

	case feed.OpDelete:
		id, ok := db.IDOf(ev.DocumentKey)
		if !ok {
			return false, store.NewError(store.RetCInvalidOperation, "delete event without document key")
		}
		unlock := s.lock(ns)
		defer unlock()
		if _, deleted := s.db.Delete(ns, id); !deleted {
			return false, nil
		}
		s.append(feed.OpDelete, ns, id, nil)
		return true, nil

	case feed.OpDrop:
		return s.DropCollection(ns)

	default:
		return false, store.Errorf(store.RetCInvalidOperation, "unknown operation type %q", ev.OperationType)
	}
}

func (s *storeImpl) Retain(ns db.Namespace, ids []interface{}) (int, error) {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		key, err := db.IDKey(id)
		if err != nil {
			return 0, store.NewError(store.RetCInvalidOperation, err.Error())
		}
		keep[key] = struct{}{}
	}

	unlock := s.lock(ns)
	defer unlock()

	var stale []interface{}
	s.db.Scan(ns, func(doc bson.D) bool {
		id, _ := db.IDOf(doc)
		if key, err := db.IDKey(id); err == nil {
			if _, ok := keep[key]; !ok {
				stale = append(stale, id)
			}
		}
		return true
	})

	for _, id := range stale {
		if _, ok := s.db.Delete(ns, id); ok {
			s.append(feed.OpDelete, ns, id, nil)
		}
	}
	return len(stale), nil
}

func (s *storeImpl) Find(ns db.Namespace, filter query.Matcher, limit int) ([]bson.D, error) {
	filter = orAll(filter)

	unlock := s.rlock(ns)
	defer unlock()

	docs := make([]bson.D, 0)
	s.db.Scan(ns, func(doc bson.D) bool {
		if filter(doc) {
			docs = append(docs, doc)
		}
		return limit <= 0 || len(docs) < limit
	})
	return docs, nil
}

func (s *storeImpl) Get(ns db.Namespace, id interface{}) (bson.D, bool, error) {
	unlock := s.rlock(ns)
	defer unlock()
	doc, ok := s.db.Get(ns, id)
	return doc, ok, nil
}

func (s *storeImpl) Count(ns db.Namespace, filter query.Matcher) (int, error) {
	unlock := s.rlock(ns)
	defer unlock()

	if filter == nil {
		return s.db.Count(ns), nil
	}
	n := 0
	s.db.Scan(ns, func(doc bson.D) bool {
		if filter(doc) {
			n++
		}
		return true
	})
	return n, nil
}

func (s *storeImpl) ListDatabases() []string {
	return s.db.ListDatabases()
}

func (s *storeImpl) ListCollections(database string) []string {
	return s.db.ListCollections(database)
}

func (s *storeImpl) Feed() *feed.ChangeFeed {
	return s.feed
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}

func (s *storeImpl) Close() error {
	s.feed.Close()
	return s.db.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// lock acquires the exclusive lock of a collection and returns the release function.
func (s *storeImpl) lock(ns db.Namespace) func() {
	s.mu.RLock()
	l, _ := s.locks.LoadOrCompute(ns, newLock)
	l.Lock()
	return func() {
		l.Unlock()
		s.mu.RUnlock()
	}
}

// rlock acquires the shared lock of a collection and returns the release function.
func (s *storeImpl) rlock(ns db.Namespace) func() {
	s.mu.RLock()
	l, _ := s.locks.LoadOrCompute(ns, newLock)
	l.RLock()
	return func() {
		l.RUnlock()
		s.mu.RUnlock()
	}
}

func newLock() *sync.RWMutex {
	return &sync.RWMutex{}
}

// upsert stores a full document if it differs from the stored version.
func (s *storeImpl) upsert(ns db.Namespace, doc bson.D) (bool, error) {
	id, ok := db.IDOf(doc)
	if !ok {
		return false, store.NewError(store.RetCInvalidOperation, "document without _id")
	}

	unlock := s.lock(ns)
	defer unlock()

	old, exists := s.db.Get(ns, id)
	if exists && db.DocumentsEqual(old, doc) {
		return false, nil
	}
	if err := s.put(ns, doc); err != nil {
		return false, err
	}
	op := feed.OpInsert
	if exists {
		op = feed.OpUpdate
	}
	s.append(op, ns, id, doc)
	return true, nil
}

// dropCollection must be called with the collection (or database) lock held.
func (s *storeImpl) dropCollection(ns db.Namespace) bool {
	if !s.db.DropCollection(ns) {
		return false
	}
	s.feed.Append(feed.ChangeEvent{OperationType: feed.OpDrop, Namespace: ns})
	Logger.Debugf("dropped collection %s", ns)
	return true
}

func (s *storeImpl) put(ns db.Namespace, doc bson.D) error {
	if _, _, err := s.db.Put(ns, doc); err != nil {
		return store.NewError(store.RetCInternalError, err.Error())
	}
	return nil
}

// append publishes a change for a mutation that already happened. It must be
// called inside the collection lock that protected the mutation.
func (s *storeImpl) append(op feed.OperationType, ns db.Namespace, id interface{}, doc bson.D) {
	ev := feed.ChangeEvent{
		OperationType: op,
		Namespace:     ns,
		DocumentKey:   db.DocumentKey(id),
	}
	if doc != nil {
		ev.FullDocument = db.CloneDocument(doc)
	}
	s.feed.Append(ev)
}

func duplicateKey(ns db.Namespace, id interface{}) *store.Error {
	return store.Errorf(store.RetCDuplicateKey, "E11000 duplicate key error collection: %s index: _id_ dup key: { _id: %v }", ns, id)
}

func orAll(filter query.Matcher) query.Matcher {
	if filter == nil {
		return query.MatchAll
	}
	return filter
}
