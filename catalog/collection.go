package catalog

import (
	"github.com/google/btree"
)

const defaultBTreeDegree = 32

var _ btree.Item = &Entity{}

// Entity is an immutable entity of a collection snapshot.
type Entity struct {
	PrimaryKey int64
	Attributes map[string]string
}

// Less orders entities by primary key.
func (e *Entity) Less(other btree.Item) bool {
	return e.PrimaryKey < other.(*Entity).PrimaryKey
}

// Collection is an immutable set of entities. Snapshots share unchanged nodes of the tree.
type Collection struct {
	name        string
	description string
	entities    *btree.BTree
}

func newCollection(name, description string) *Collection {
	return &Collection{
		name:        name,
		description: description,
		entities:    btree.New(defaultBTreeDegree),
	}
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) Description() string {
	return c.description
}

func (c *Collection) Len() int {
	return c.entities.Len()
}

func (c *Collection) Get(pk int64) (*Entity, bool) {
	item := c.entities.Get(&Entity{PrimaryKey: pk})
	if item == nil {
		return nil, false
	}
	return item.(*Entity), true
}

// Ascend calls fn for the entities in primary key order until fn returns false.
func (c *Collection) Ascend(fn func(e *Entity) bool) {
	c.entities.Ascend(func(i btree.Item) bool {
		return fn(i.(*Entity))
	})
}

// withDescription returns a copy sharing the entity tree.
func (c *Collection) withDescription(description string) *Collection {
	return &Collection{name: c.name, description: description, entities: c.entities}
}

// entityChange is the pending change of one entity in a memory layer. Once the entity was removed in the layer,
// later upserts recreate it from the upserted attributes only.
type entityChange struct {
	replaced   bool
	removed    bool
	attributes map[string]string
}

// collectionDiff holds the entity changes of one collection.
type collectionDiff struct {
	changes map[int64]*entityChange
}

func newCollectionDiff() interface{} {
	return &collectionDiff{changes: make(map[int64]*entityChange)}
}

func (d *collectionDiff) upsert(pk int64, attributes map[string]string) {
	ch, ok := d.changes[pk]
	if !ok {
		ch = &entityChange{}
		d.changes[pk] = ch
	}
	ch.removed = false
	if ch.attributes == nil {
		ch.attributes = make(map[string]string, len(attributes))
	}
	for k, v := range attributes {
		ch.attributes[k] = v
	}
}

func (d *collectionDiff) remove(pk int64) {
	d.changes[pk] = &entityChange{replaced: true, removed: true}
}

// resolve returns the entity as seen through the change.
func resolve(base *Entity, ch *entityChange) (*Entity, bool) {
	if ch == nil {
		return base, base != nil
	}
	if ch.removed {
		return nil, false
	}
	var pk int64
	attributes := make(map[string]string, len(ch.attributes))
	if base != nil {
		pk = base.PrimaryKey
		if !ch.replaced {
			for k, v := range base.Attributes {
				attributes[k] = v
			}
		}
	}
	for k, v := range ch.attributes {
		attributes[k] = v
	}
	return &Entity{PrimaryKey: pk, Attributes: attributes}, true
}

// merge creates the next snapshot of the collection with the diff applied.
func (c *Collection) merge(d *collectionDiff) *Collection {
	next := &Collection{name: c.name, description: c.description, entities: c.entities.Clone()}
	for pk, ch := range d.changes {
		base, _ := c.Get(pk)
		e, ok := resolve(base, ch)
		if !ok {
			next.entities.Delete(&Entity{PrimaryKey: pk})
			continue
		}
		e.PrimaryKey = pk
		next.entities.ReplaceOrInsert(e)
	}
	return next
}
