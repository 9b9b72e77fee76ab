package hotdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/greymass/dualsink/libraries/encoding"
	"github.com/greymass/dualsink/libraries/logger"
	"github.com/greymass/dualsink/services/dualsink/internal/chain"
)

// Key layout:
//
//	s                        status
//	h <height:8>             hot block hash
//	l <height:8> <index:4>   change log entry
//	e <kind> 0x00 <id>       entity data
var (
	statusKey    = []byte("s")
	hotPrefix    = []byte("h")
	logPrefix    = []byte("l")
	entityPrefix = []byte("e")
)

type PebbleOptions struct {
	CacheSizeMB int64
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS
}

// PebbleDriver keeps the relational sink in an embedded pebble database.
// Transactions are indexed batches applied under a single writer lock, so
// they never fail with a serialization conflict.
type PebbleDriver struct {
	db *pebble.DB
	mu sync.Mutex
}

func OpenPebble(path string, opts PebbleOptions) (*PebbleDriver, error) {
	logger.Printf("startup", "Opening Pebble database: %s", path)

	cacheSize := opts.CacheSizeMB << 20
	if cacheSize < 8<<20 {
		cacheSize = 8 << 20
	}
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	o := &pebble.Options{
		Logger:        pebbleLogger{},
		EventListener: pebbleEvents(),
		Cache:         cache,
	}
	if opts.FS != nil {
		o.FS = opts.FS
	}

	start := time.Now()
	db, err := pebble.Open(path, o)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	logger.Printf("startup", "Pebble database opened in %v", time.Since(start).Round(time.Millisecond))
	return &PebbleDriver{db: db}, nil
}

func (d *PebbleDriver) Close() error {
	return d.db.Close()
}

func (d *PebbleDriver) Connect(ctx context.Context) (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, closer, err := d.db.Get(statusKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		g := chain.Genesis()
		data, err := encoding.JSONiter.Marshal(Status{Height: g.Height, Hash: g.Hash})
		if err != nil {
			return State{}, err
		}
		if err := d.db.Set(statusKey, data, pebble.Sync); err != nil {
			return State{}, fmt.Errorf("init status: %w", err)
		}
	case err != nil:
		return State{}, err
	default:
		closer.Close()
	}

	state, err := readPebbleState(d.db)
	if err != nil {
		return State{}, err
	}
	if err := chain.CheckContinuity(state.Head(), state.Top); err != nil {
		return State{}, err
	}
	return state, nil
}

func (d *PebbleDriver) ReadState(ctx context.Context) (State, error) {
	return readPebbleState(d.db)
}

func (d *PebbleDriver) RunSerializable(ctx context.Context, fn func(context.Context, Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	b := d.db.NewIndexedBatch()
	defer b.Close()

	if err := fn(ctx, &pebbleTx{b: b}); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pebbleTx struct {
	b *pebble.Batch
}

func (t *pebbleTx) ReadState(ctx context.Context) (State, error) {
	return readPebbleState(t.b)
}

func (t *pebbleTx) UpdateStatus(ctx context.Context, nonce uint32, head chain.Head) error {
	s, err := readPebbleStatus(t.b)
	if err != nil {
		return err
	}
	if s.Nonce != nonce {
		return fmt.Errorf("%w: expected nonce %d, found %d", chain.ErrConcurrencyConflict, nonce, s.Nonce)
	}
	data, err := encoding.JSONiter.Marshal(Status{Height: head.Height, Hash: head.Hash, Nonce: nonce + 1})
	if err != nil {
		return err
	}
	return t.b.Set(statusKey, data, nil)
}

func (t *pebbleTx) InsertHotBlock(ctx context.Context, head chain.Head) error {
	key := hotKey(head.Height)
	if _, closer, err := t.b.Get(key); err == nil {
		closer.Close()
		return fmt.Errorf("hot block %d already exists", head.Height)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return t.b.Set(key, []byte(head.Hash), nil)
}

func (t *pebbleTx) DeleteHotBlock(ctx context.Context, height int64) error {
	if err := deletePrefix(t.b, logKeyPrefix(height)); err != nil {
		return err
	}
	return t.b.Delete(hotKey(height), nil)
}

func (t *pebbleTx) ChangeLog(ctx context.Context, height int64) ([]Change, error) {
	var changes []Change
	err := scanPrefix(t.b, logKeyPrefix(height), func(_, value []byte) error {
		var c Change
		if err := encoding.JSONiter.Unmarshal(value, &c); err != nil {
			return fmt.Errorf("decode change: %w", err)
		}
		changes = append(changes, c)
		return nil
	})
	return changes, err
}

func (t *pebbleTx) AppendChangeLog(ctx context.Context, height int64, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	_, closer, err := t.b.Get(hotKey(height))
	if errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("change log for unknown hot block %d", height)
	}
	if err != nil {
		return err
	}
	closer.Close()

	next := uint32(0)
	err = scanPrefix(t.b, logKeyPrefix(height), func(key, _ []byte) error {
		next = binary.BigEndian.Uint32(key[len(key)-4:]) + 1
		return nil
	})
	if err != nil {
		return err
	}
	for i, c := range changes {
		data, err := encoding.JSONiter.Marshal(c)
		if err != nil {
			return err
		}
		if err := t.b.Set(logKey(height, next+uint32(i)), data, nil); err != nil {
			return err
		}
	}
	return nil
}

func (t *pebbleTx) LoadEntities(ctx context.Context, kind string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		val, closer, err := t.b.Get(entityKey(kind, id))
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = bytes.Clone(val)
		closer.Close()
	}
	return out, nil
}

func (t *pebbleTx) PutEntities(ctx context.Context, kind string, rows []Row) error {
	for _, r := range rows {
		if err := t.b.Set(entityKey(kind, r.ID), r.Data, nil); err != nil {
			return err
		}
	}
	return nil
}

func (t *pebbleTx) DeleteEntities(ctx context.Context, kind string, ids []string) error {
	for _, id := range ids {
		if err := t.b.Delete(entityKey(kind, id), nil); err != nil {
			return err
		}
	}
	return nil
}

func readPebbleStatus(r pebble.Reader) (Status, error) {
	val, closer, err := r.Get(statusKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return Status{}, errors.New("status row missing: driver not connected")
	}
	if err != nil {
		return Status{}, err
	}
	defer closer.Close()
	var s Status
	if err := encoding.JSONiter.Unmarshal(val, &s); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return s, nil
}

func readPebbleState(r pebble.Reader) (State, error) {
	s, err := readPebbleStatus(r)
	if err != nil {
		return State{}, err
	}
	state := State{Status: s}
	err = scanPrefix(r, hotPrefix, func(key, value []byte) error {
		height := int64(binary.BigEndian.Uint64(key[len(hotPrefix):]))
		state.Top = append(state.Top, chain.Head{Height: height, Hash: string(value)})
		return nil
	})
	return state, err
}

func scanPrefix(r pebble.Reader, prefix []byte, fn func(key, value []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func deletePrefix(b *pebble.Batch, prefix []byte) error {
	var keys [][]byte
	err := scanPrefix(b, prefix, func(key, _ []byte) error {
		keys = append(keys, bytes.Clone(key))
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k, nil); err != nil {
			return err
		}
	}
	return nil
}

func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func hotKey(height int64) []byte {
	k := make([]byte, len(hotPrefix)+8)
	copy(k, hotPrefix)
	binary.BigEndian.PutUint64(k[len(hotPrefix):], uint64(height))
	return k
}

func logKeyPrefix(height int64) []byte {
	k := make([]byte, len(logPrefix)+8)
	copy(k, logPrefix)
	binary.BigEndian.PutUint64(k[len(logPrefix):], uint64(height))
	return k
}

func logKey(height int64, index uint32) []byte {
	k := logKeyPrefix(height)
	return binary.BigEndian.AppendUint32(k, index)
}

func entityKey(kind, id string) []byte {
	k := make([]byte, 0, len(entityPrefix)+len(kind)+1+len(id))
	k = append(k, entityPrefix...)
	k = append(k, kind...)
	k = append(k, 0)
	return append(k, id...)
}
