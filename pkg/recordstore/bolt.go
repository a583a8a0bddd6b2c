// ABOUTME: bbolt-backed record store with secondary indexes for search
// ABOUTME: Every write runs in one bbolt transaction; reads use MVCC snapshots

package recordstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/nainya/graphstore/internal/logger"
	"github.com/nainya/graphstore/internal/metrics"
	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/value"
)

// Bucket layout. Keys are order-preserving value tuples so prefix scans
// answer every lookup.
var (
	bucketEntities   = []byte("entities")   // id -> (type)
	bucketProperties = []byte("properties") // (id, name) -> (value)
	bucketGroups     = []byte("groups")     // (id, group)
	bucketIdxType    = []byte("idx_type")   // (type, id)
	bucketIdxGroup   = []byte("idx_group")  // (group, id)
	bucketIdxProp    = []byte("idx_prop")   // (name, value, id)
	bucketIdxValue   = []byte("idx_value")  // (value, name, id)

	allBuckets = [][]byte{
		bucketEntities, bucketProperties, bucketGroups,
		bucketIdxType, bucketIdxGroup, bucketIdxProp, bucketIdxValue,
	}

	empty = []byte{}
)

// Options configures the bbolt store
type Options struct {
	// Timeout bounds waiting for the file lock held by another process
	Timeout time.Duration

	// NoSync skips fsync after each commit. Only for tests and bulk loads.
	NoSync bool

	// ReadOnly opens an existing database under a shared lock. A missing
	// file is an error and Update fails.
	ReadOnly bool

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// BoltStore implements Store on top of bbolt
var _ Store = (*BoltStore)(nil)

type BoltStore struct {
	db      *bbolt.DB
	log     *logger.Logger
	metrics *metrics.Metrics
	closed  atomic.Bool
}

// Open opens or creates a store at path
func Open(path string, opts Options) (*BoltStore, error) {
	log := logger.OrNop(opts.Logger).StoreLogger("open")

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout:  opts.Timeout,
		NoSync:   opts.NoSync,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	if opts.ReadOnly {
		err = db.View(func(tx *bbolt.Tx) error {
			for _, name := range allBuckets {
				if tx.Bucket(name) == nil {
					return fmt.Errorf("%w: bucket %s missing", ErrCorrupt, name)
				}
			}
			return nil
		})
	} else {
		err = db.Update(func(tx *bbolt.Tx) error {
			for _, name := range allBuckets {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
	}
	if err != nil {
		db.Close()
		return nil, &StoreError{Op: "open", Err: err}
	}

	log.Debug("record store opened").Str("path", path).Bool("read_only", opts.ReadOnly).Send()

	return &BoltStore{
		db:      db,
		log:     logger.OrNop(opts.Logger),
		metrics: opts.Metrics,
	}, nil
}

// Path returns the database file path
func (s *BoltStore) Path() string { return s.db.Path() }

// View runs fn against a read snapshot
func (s *BoltStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := s.check(ctx, "view"); err != nil {
		return err
	}

	start := time.Now()
	err := s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
	s.metrics.RecordStoreOperation("view", err, time.Since(start))

	if err != nil {
		return s.wrap("view", err)
	}
	return nil
}

// Update runs fn in a single write transaction
func (s *BoltStore) Update(ctx context.Context, fn func(Writer) error) error {
	if err := s.check(ctx, "update"); err != nil {
		return err
	}

	start := time.Now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
	s.metrics.RecordStoreOperation("update", err, time.Since(start))

	if err != nil {
		s.log.StoreLogger("update").Warn("write transaction rolled back").Err(err).Send()
		return s.wrap("update", err)
	}
	return nil
}

// Stats counts committed records
func (s *BoltStore) Stats() (Stats, error) {
	if s.closed.Load() {
		return Stats{}, &StoreError{Op: "stats", Err: ErrClosed}
	}

	var st Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		st.Entities = tx.Bucket(bucketEntities).Stats().KeyN
		st.Properties = tx.Bucket(bucketProperties).Stats().KeyN
		st.Memberships = tx.Bucket(bucketGroups).Stats().KeyN
		st.SizeBytes = tx.Size()
		return nil
	})
	if err != nil {
		return Stats{}, s.wrap("stats", err)
	}

	s.metrics.UpdateStoreStats(st.SizeBytes, int64(st.Entities))
	return st, nil
}

// Close releases the database file
func (s *BoltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return &StoreError{Op: "close", Err: err}
	}
	return nil
}

func (s *BoltStore) check(ctx context.Context, op string) error {
	if s.closed.Load() {
		return &StoreError{Op: op, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &StoreError{Op: op, Err: err}
	}
	return nil
}

func (s *BoltStore) wrap(op string, err error) error {
	if s.closed.Load() {
		return &StoreError{Op: op, Err: errors.Join(ErrClosed, err)}
	}
	return storeErr(op, "", err)
}

// boltTx adapts one bbolt transaction to Reader and Writer
type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) bucket(name []byte) *bbolt.Bucket {
	return t.tx.Bucket(name)
}

// Lookup runs an index lookup
func (t *boltTx) Lookup(q Query) (entity.IDSet, error) {
	switch q.Kind {
	case ByType:
		return t.scanIDs(bucketIdxType, value.EncodeKey(value.Text(q.Name)))
	case AnyType:
		return t.allEntities(), nil
	case ByGroup:
		return t.scanIDs(bucketIdxGroup, value.EncodeKey(value.Text(q.Name)))
	case AnyGroup:
		return t.scanIDs(bucketIdxGroup, nil)
	case ByName:
		return t.scanIDs(bucketIdxProp, value.EncodeKey(value.Text(q.Name)))
	case ByNameValue:
		if !q.Value.IsValid() {
			return nil, &StoreError{Op: "lookup", Err: fmt.Errorf("%w: %s", ErrInvalidRecord, q)}
		}
		return t.scanIDs(bucketIdxProp, value.EncodeKey(value.Text(q.Name), q.Value))
	case ByValue:
		if !q.Value.IsValid() {
			return nil, &StoreError{Op: "lookup", Err: fmt.Errorf("%w: %s", ErrInvalidRecord, q)}
		}
		return t.scanIDs(bucketIdxValue, value.EncodeKey(q.Value))
	case AnyProperty:
		return t.scanLeadingIDs(bucketProperties)
	default:
		return nil, &StoreError{Op: "lookup", Err: fmt.Errorf("%w: unknown query kind %d", ErrInvalidRecord, q.Kind)}
	}
}

// scanIDs collects the trailing id of every index key under prefix
func (t *boltTx) scanIDs(name, prefix []byte) (entity.IDSet, error) {
	ids := entity.NewIDSet()
	c := t.bucket(name).Cursor()

	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		vals, err := value.Decode(k)
		if err != nil || len(vals) == 0 {
			return nil, &StoreError{Op: "lookup", Err: fmt.Errorf("%w: %s key %x", ErrCorrupt, name, k)}
		}
		id, ok := vals[len(vals)-1].AsText()
		if !ok {
			return nil, &StoreError{Op: "lookup", Err: fmt.Errorf("%w: %s key %x", ErrCorrupt, name, k)}
		}
		ids.Add(entity.ID(id))
	}
	return ids, nil
}

// scanLeadingIDs collects the leading id of every key in a per-entity bucket
func (t *boltTx) scanLeadingIDs(name []byte) (entity.IDSet, error) {
	ids := entity.NewIDSet()
	c := t.bucket(name).Cursor()

	for k, _ := c.First(); k != nil; {
		v, _, err := value.DecodeOne(k)
		if err != nil {
			return nil, &StoreError{Op: "lookup", Err: fmt.Errorf("%w: %s key %x", ErrCorrupt, name, k)}
		}
		id, _ := v.AsText()
		ids.Add(entity.ID(id))

		// Skip the rest of this entity's records
		k, _ = c.Seek(successor(value.EncodeKey(v)))
	}
	return ids, nil
}

func (t *boltTx) allEntities() entity.IDSet {
	ids := entity.NewIDSet()
	c := t.bucket(bucketEntities).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		ids.Add(entity.ID(k))
	}
	return ids
}

// successor returns the smallest key greater than every key starting with prefix
func successor(prefix []byte) []byte {
	out := bytes.Clone(prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// ReadCommitted loads an entity's committed state
func (t *boltTx) ReadCommitted(id entity.ID) (*entity.State, error) {
	raw := t.bucket(bucketEntities).Get([]byte(id))
	if raw == nil {
		return nil, &StoreError{Op: "read", ID: id, Err: ErrNotFound}
	}

	typ, err := decodeText(raw)
	if err != nil {
		return nil, &StoreError{Op: "read", ID: id, Err: err}
	}

	s := &entity.State{
		ID:         id,
		Type:       typ,
		Properties: make(map[string]value.Value),
		Groups:     make(map[string]struct{}),
	}

	prefix := value.EncodeKey(value.Text(string(id)))

	c := t.bucket(bucketProperties).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		name, err := decodeText(k[len(prefix):])
		if err != nil {
			return nil, &StoreError{Op: "read", ID: id, Err: err}
		}
		val, _, err := value.DecodeOne(v)
		if err != nil {
			return nil, &StoreError{Op: "read", ID: id, Err: fmt.Errorf("%w: property %s: %w", ErrCorrupt, name, err)}
		}
		s.Properties[name] = val
	}

	c = t.bucket(bucketGroups).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		group, err := decodeText(k[len(prefix):])
		if err != nil {
			return nil, &StoreError{Op: "read", ID: id, Err: err}
		}
		s.Groups[group] = struct{}{}
	}

	return s, nil
}

func decodeText(data []byte) (string, error) {
	v, _, err := value.DecodeOne(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	s, ok := v.AsText()
	if !ok {
		return "", fmt.Errorf("%w: expected text, got %s", ErrCorrupt, v.Kind())
	}
	return s, nil
}

func (t *boltTx) exists(id entity.ID) bool {
	return t.bucket(bucketEntities).Get([]byte(id)) != nil
}

func (t *boltTx) requireEntity(op string, id entity.ID) error {
	if !t.exists(id) {
		return &StoreError{Op: op, ID: id, Err: ErrNotFound}
	}
	return nil
}

// InsertEntity creates the entity record
func (t *boltTx) InsertEntity(id entity.ID, typ string) error {
	if t.exists(id) {
		return &StoreError{Op: "insert", ID: id, Err: fmt.Errorf("%w: entity exists", ErrInvalidRecord)}
	}

	if err := t.bucket(bucketEntities).Put([]byte(id), value.EncodeKey(value.Text(typ))); err != nil {
		return &StoreError{Op: "insert", ID: id, Err: err}
	}
	if err := t.bucket(bucketIdxType).Put(value.EncodeKey(value.Text(typ), value.Text(string(id))), empty); err != nil {
		return &StoreError{Op: "insert", ID: id, Err: err}
	}
	return nil
}

// DeleteEntity removes the entity with its remaining properties and memberships
func (t *boltTx) DeleteEntity(id entity.ID) error {
	st, err := t.ReadCommitted(id)
	if err != nil {
		return storeErr("delete", id, err)
	}

	for name := range st.Properties {
		if err := t.DeleteProperty(id, name); err != nil {
			return err
		}
	}
	for group := range st.Groups {
		if err := t.DeleteGroup(id, group); err != nil {
			return err
		}
	}

	if err := t.bucket(bucketIdxType).Delete(value.EncodeKey(value.Text(st.Type), value.Text(string(id)))); err != nil {
		return &StoreError{Op: "delete", ID: id, Err: err}
	}
	if err := t.bucket(bucketEntities).Delete([]byte(id)); err != nil {
		return &StoreError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

// PutProperty sets a property value, replacing its index entries
func (t *boltTx) PutProperty(id entity.ID, name string, v value.Value) error {
	if err := t.requireEntity("put_property", id); err != nil {
		return err
	}
	if !v.IsValid() {
		return &StoreError{Op: "put_property", ID: id, Err: fmt.Errorf("%w: invalid value for %s", ErrInvalidRecord, name)}
	}

	if err := t.DeleteProperty(id, name); err != nil {
		return err
	}

	idText, nameText := value.Text(string(id)), value.Text(name)
	puts := []struct {
		bucket []byte
		key    []byte
		val    []byte
	}{
		{bucketProperties, value.EncodeKey(idText, nameText), value.EncodeKey(v)},
		{bucketIdxProp, value.EncodeKey(nameText, v, idText), empty},
		{bucketIdxValue, value.EncodeKey(v, nameText, idText), empty},
	}
	for _, p := range puts {
		if err := t.bucket(p.bucket).Put(p.key, p.val); err != nil {
			return &StoreError{Op: "put_property", ID: id, Err: err}
		}
	}
	return nil
}

// DeleteProperty removes a property and its index entries. Absent properties are ignored.
func (t *boltTx) DeleteProperty(id entity.ID, name string) error {
	idText, nameText := value.Text(string(id)), value.Text(name)
	key := value.EncodeKey(idText, nameText)

	props := t.bucket(bucketProperties)
	raw := props.Get(key)
	if raw == nil {
		return nil
	}

	old, _, err := value.DecodeOne(raw)
	if err != nil {
		return &StoreError{Op: "delete_property", ID: id, Err: fmt.Errorf("%w: property %s: %w", ErrCorrupt, name, err)}
	}

	if err := t.bucket(bucketIdxProp).Delete(value.EncodeKey(nameText, old, idText)); err != nil {
		return &StoreError{Op: "delete_property", ID: id, Err: err}
	}
	if err := t.bucket(bucketIdxValue).Delete(value.EncodeKey(old, nameText, idText)); err != nil {
		return &StoreError{Op: "delete_property", ID: id, Err: err}
	}
	if err := props.Delete(key); err != nil {
		return &StoreError{Op: "delete_property", ID: id, Err: err}
	}
	return nil
}

// InsertGroup adds a membership
func (t *boltTx) InsertGroup(id entity.ID, group string) error {
	if err := t.requireEntity("insert_group", id); err != nil {
		return err
	}

	idText, groupText := value.Text(string(id)), value.Text(group)
	if err := t.bucket(bucketGroups).Put(value.EncodeKey(idText, groupText), empty); err != nil {
		return &StoreError{Op: "insert_group", ID: id, Err: err}
	}
	if err := t.bucket(bucketIdxGroup).Put(value.EncodeKey(groupText, idText), empty); err != nil {
		return &StoreError{Op: "insert_group", ID: id, Err: err}
	}
	return nil
}

// DeleteGroup removes a membership. Absent memberships are ignored.
func (t *boltTx) DeleteGroup(id entity.ID, group string) error {
	idText, groupText := value.Text(string(id)), value.Text(group)
	if err := t.bucket(bucketGroups).Delete(value.EncodeKey(idText, groupText)); err != nil {
		return &StoreError{Op: "delete_group", ID: id, Err: err}
	}
	if err := t.bucket(bucketIdxGroup).Delete(value.EncodeKey(groupText, idText)); err != nil {
		return &StoreError{Op: "delete_group", ID: id, Err: err}
	}
	return nil
}
