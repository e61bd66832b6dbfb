package memdoc

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dDoc/lib/db"
	"github.com/puzpuzpuz/xsync/v3"
	"go.mongodb.org/mongo-driver/bson"
)

// --------------------------------------------------------------------------
// Core structures
// --------------------------------------------------------------------------

// memdocImpl keeps databases -> collections -> documents in concurrent maps.
// Database entries are never removed, an empty database is simply not listed.
// That way a writer that already resolved a database can never end up writing
// into a detached one.
type memdocImpl struct {
	databases *xsync.MapOf[string, *database]
	order     atomic.Uint64 // natural order counter for inserted documents
}

type database struct {
	collections *xsync.MapOf[string, *collection]
}

type collection struct {
	mu        sync.RWMutex
	docs      map[string]*entry
	sizeBytes int
}

type entry struct {
	order uint64
	size  int
	doc   bson.D
}

// NewMemDocDB creates a new, empty in-memory document database.
func NewMemDocDB() db.IDocDB {
	return &memdocImpl{
		databases: xsync.NewMapOf[string, *database](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see db.IDocDB)
// --------------------------------------------------------------------------

func (m *memdocImpl) Put(ns db.Namespace, doc bson.D) (bson.D, bool, error) {
	if !ns.Valid() {
		return nil, false, db.ErrInvalidNamespace
	}
	id, ok := db.IDOf(doc)
	if !ok {
		return nil, false, db.ErrMissingID
	}
	key, err := db.IDKey(id)
	if err != nil {
		return nil, false, err
	}

	stored := db.CloneDocument(doc)
	size := db.DocumentSize(stored)
	c := m.collection(ns, true)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, exists := c.docs[key]; exists {
		c.sizeBytes += size - old.size
		// keep natural order stable on replace
		c.docs[key] = &entry{order: old.order, size: size, doc: stored}
		return db.CloneDocument(old.doc), true, nil
	}
	c.docs[key] = &entry{order: m.order.Add(1), size: size, doc: stored}
	c.sizeBytes += size
	return nil, false, nil
}

func (m *memdocImpl) Delete(ns db.Namespace, id interface{}) (bson.D, bool) {
	key, err := db.IDKey(id)
	if err != nil {
		return nil, false
	}
	c := m.collection(ns, false)
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old, exists := c.docs[key]
	if !exists {
		return nil, false
	}
	delete(c.docs, key)
	c.sizeBytes -= old.size
	return old.doc, true
}

func (m *memdocImpl) CreateCollection(ns db.Namespace) bool {
	if !ns.Valid() {
		return false
	}
	d, _ := m.databases.LoadOrCompute(ns.DB, newDatabase)
	_, loaded := d.collections.LoadOrCompute(ns.Coll, newCollection)
	return !loaded
}

func (m *memdocImpl) DropCollection(ns db.Namespace) bool {
	d, ok := m.databases.Load(ns.DB)
	if !ok {
		return false
	}
	_, dropped := d.collections.LoadAndDelete(ns.Coll)
	return dropped
}

func (m *memdocImpl) Get(ns db.Namespace, id interface{}) (bson.D, bool) {
	key, err := db.IDKey(id)
	if err != nil {
		return nil, false
	}
	c := m.collection(ns, false)
	if c == nil {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	e, exists := c.docs[key]
	if !exists {
		return nil, false
	}
	return db.CloneDocument(e.doc), true
}

func (m *memdocImpl) Scan(ns db.Namespace, fn func(doc bson.D) bool) {
	c := m.collection(ns, false)
	if c == nil {
		return
	}

	c.mu.RLock()
	entries := make([]*entry, 0, len(c.docs))
	for _, e := range c.docs {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	// entries are immutable once stored, so handing out clones outside the lock is safe
	for _, e := range entries {
		if !fn(db.CloneDocument(e.doc)) {
			return
		}
	}
}

func (m *memdocImpl) Count(ns db.Namespace) int {
	c := m.collection(ns, false)
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

func (m *memdocImpl) HasCollection(ns db.Namespace) bool {
	return m.collection(ns, false) != nil
}

func (m *memdocImpl) ListDatabases() []string {
	names := make([]string, 0)
	m.databases.Range(func(name string, d *database) bool {
		if d.collections.Size() > 0 {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

func (m *memdocImpl) ListCollections(database string) []string {
	names := make([]string, 0)
	d, ok := m.databases.Load(database)
	if !ok {
		return names
	}
	d.collections.Range(func(name string, _ *collection) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

func (m *memdocImpl) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{DbType: db.ImplMemDoc}
	m.databases.Range(func(_ string, d *database) bool {
		if d.collections.Size() == 0 {
			return true
		}
		info.Databases++
		d.collections.Range(func(_ string, c *collection) bool {
			c.mu.RLock()
			info.Collections++
			info.Documents += len(c.docs)
			info.SizeBytes += c.sizeBytes
			c.mu.RUnlock()
			return true
		})
		return true
	})
	return info
}

func (m *memdocImpl) Close() error {
	m.databases.Clear()
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// collection resolves a collection, optionally creating it and its database.
func (m *memdocImpl) collection(ns db.Namespace, create bool) *collection {
	if !create {
		d, ok := m.databases.Load(ns.DB)
		if !ok {
			return nil
		}
		c, _ := d.collections.Load(ns.Coll)
		return c
	}
	d, _ := m.databases.LoadOrCompute(ns.DB, newDatabase)
	c, _ := d.collections.LoadOrCompute(ns.Coll, newCollection)
	return c
}

func newDatabase() *database {
	return &database{collections: xsync.NewMapOf[string, *collection]()}
}

func newCollection() *collection {
	return &collection{docs: make(map[string]*entry)}
}
