// Package filestore is the append-only file sink. Rows accumulate in memory
// per table and are written out as immutable folders, each covering a
// contiguous block range, next to a status record naming the highest block
// the folders cover.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/greymass/dualsink/libraries/logger"
	"github.com/greymass/dualsink/services/dualsink/internal/chain"
	"golang.org/x/sync/errgroup"
)

// ErrFlush wraps any I/O failure while writing a chunk folder or the status
// record. It is not retried.
var ErrFlush = errors.New("chunk flush failed")

const (
	DefaultChunkSizeMB = 20
	mib                = 1 << 20
)

type Option func(*Store)

func WithChunkSizeMB(mb int) Option { return func(s *Store) { s.chunkSizeMB = mb } }

// WithSyncInterval flushes at least every n blocks. Zero disables the
// interval trigger.
func WithSyncInterval(n int64) Option { return func(s *Store) { s.syncInterval = n } }

func WithStatusHooks(h StatusHooks) Option { return func(s *Store) { s.hooks = h } }

// Store owns the chunk buffer and the file sink's view of its own status.
// It is driven by a single writer.
type Store struct {
	dest         Dest
	tables       []*Table
	chunkSizeMB  int
	syncInterval int64
	hooks        StatusHooks

	connected bool
	state     chain.Head
	chunk     *Chunk
	forced    bool
	// Rows from hot blocks, held until their height is finalized.
	pending map[int64]*Chunk
}

func NewStore(dest Dest, tables []*Table, opts ...Option) (*Store, error) {
	s := &Store{
		dest:        dest,
		tables:      tables,
		chunkSizeMB: DefaultChunkSizeMB,
		hooks:       DefaultStatusHooks,
		pending:     make(map[int64]*Chunk),
	}
	for _, o := range opts {
		o(s)
	}
	if s.chunkSizeMB <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d MB", s.chunkSizeMB)
	}
	if s.syncInterval < 0 {
		return nil, fmt.Errorf("invalid sync interval %d", s.syncInterval)
	}
	if s.hooks.Read == nil || s.hooks.Update == nil {
		return nil, errors.New("status hooks need both Read and Update")
	}

	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		if t == nil {
			return nil, errors.New("nil table")
		}
		if err := t.validate(); err != nil {
			return nil, err
		}
		if seen[t.FileName()] {
			return nil, fmt.Errorf("duplicate table %s", t.name)
		}
		seen[t.FileName()] = true
	}
	s.chunk = newChunk(tables)
	return s, nil
}

func (s *Store) Tables() []*Table { return s.tables }

// State is the highest block the file sink has recorded.
func (s *Store) State() chain.Head { return s.state }

// NewStaging returns an empty chunk for one batch's writes.
func (s *Store) NewStaging() *Chunk { return newChunk(s.tables) }

// Size is the number of bytes buffered and not yet flushed.
func (s *Store) Size() int { return s.chunk.Size() }

func (s *Store) ForceFlush() { s.forced = true }

func (s *Store) Forced() bool { return s.forced }

func (s *Store) readStatus() (chain.Head, error) {
	head, ok, err := s.hooks.Read(s.dest)
	if err != nil {
		return chain.Head{}, fmt.Errorf("read file status: %w", err)
	}
	if !ok {
		head = chain.Genesis()
		if err := s.hooks.Update(s.dest, head, nil); err != nil {
			return chain.Head{}, fmt.Errorf("init file status: %w", err)
		}
	}
	return head, nil
}

// Connect reconciles the file sink with the relational checkpoint. Folders
// beyond the checkpoint are orphans of a flush whose relational commit never
// happened and are removed, as are leftover temp directories. A status record
// ahead of the checkpoint is moved back to it.
func (s *Store) Connect(relational chain.Head) (chain.Head, error) {
	state, err := s.readStatus()
	if err != nil {
		return chain.Head{}, err
	}

	names, err := s.dest.ReadDir()
	if err != nil {
		return chain.Head{}, fmt.Errorf("list output: %w", err)
	}
	for _, name := range names {
		if isTempName(name) {
			logger.Printf("startup", "Removing stray temp entry %s", name)
			if err := s.dest.Remove(name); err != nil {
				return chain.Head{}, err
			}
			continue
		}
		from, to, ok := ParseFolderName(name)
		if !ok {
			continue
		}
		switch {
		case from > relational.Height:
			logger.Printf("startup", "Removing orphaned chunk %s (checkpoint at %d)", name, relational.Height)
		case to > relational.Height:
			logger.Warning("Chunk %s straddles checkpoint %d, removing it; blocks %d-%d will be missing from files",
				name, relational.Height, from, relational.Height)
		default:
			continue
		}
		if err := s.dest.Remove(name); err != nil {
			return chain.Head{}, fmt.Errorf("remove %s: %w", name, err)
		}
	}

	switch {
	case state.Height > relational.Height:
		logger.Warning("File status %s is ahead of checkpoint %s, resetting it", state, relational)
		if err := s.hooks.Update(s.dest, relational, &state); err != nil {
			return chain.Head{}, fmt.Errorf("reset file status: %w", err)
		}
		state = relational
	case state.Height < relational.Height:
		logger.Warning("File status %s is behind checkpoint %s; blocks %d-%d were committed without file output",
			state, relational, state.Height+1, relational.Height)
	}

	s.state = state
	s.connected = true
	s.chunk.reset()
	clear(s.pending)
	logger.Printf("startup", "File sink at %s", state)
	return state, nil
}

// CheckStatus fails with chain.ErrConcurrencyConflict if the status record
// no longer matches what this process last wrote.
func (s *Store) CheckStatus() error {
	if !s.connected {
		return errors.New("file store not connected")
	}
	head, ok, err := s.hooks.Read(s.dest)
	if err != nil {
		return fmt.Errorf("read file status: %w", err)
	}
	if !ok || head != s.state {
		return fmt.Errorf("%w: file status is %s, expected %s; is another processor running?",
			chain.ErrConcurrencyConflict, head, s.state)
	}
	return nil
}

// ShouldFlush reports whether committing staged at next crosses the size
// threshold, the block interval, or follows a forced flush request.
func (s *Store) ShouldFlush(next chain.Head, staged *Chunk) bool {
	if s.forced {
		return true
	}
	size := s.chunk.Size()
	if staged != nil {
		size += staged.Size()
	}
	if size >= s.chunkSizeMB*mib {
		return true
	}
	return s.syncInterval > 0 && next.Height-s.state.Height >= s.syncInterval
}

// Flush writes the buffered chunk plus staged into the folder
// [State().Height+1, next.Height], then advances the status record to next.
// An empty chunk only advances the status. On failure nothing is visible and
// the buffered chunk is kept.
func (s *Store) Flush(ctx context.Context, next chain.Head, staged *Chunk) error {
	prev := s.state
	if next.Height <= prev.Height {
		return fmt.Errorf("%w: flush to %s from %s", chain.ErrInvalidTransition, next, prev)
	}

	out := newChunk(s.tables)
	out.merge(s.chunk)
	out.merge(staged)

	if !out.Empty() {
		start := time.Now()
		folder := FolderName(prev.Height+1, next.Height)
		if err := s.writeFolder(ctx, folder, out); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrFlush, folder, err)
		}
		logger.Printf("flush", "Wrote chunk %s (%s rows, %s) in %v", folder,
			logger.FormatCount(int64(out.Rows())), logger.FormatBytes(int64(out.Size())),
			time.Since(start).Round(time.Millisecond))
	}

	if err := s.hooks.Update(s.dest, next, &prev); err != nil {
		return fmt.Errorf("%w: status: %w", ErrFlush, err)
	}
	s.state = next
	s.forced = false
	s.chunk.reset()
	return nil
}

func (s *Store) writeFolder(ctx context.Context, folder string, c *Chunk) error {
	return s.dest.Transact(folder, func(tx Dest) error {
		g, gctx := errgroup.WithContext(ctx)
		for _, t := range s.tables {
			w := c.writers[t]
			if w.Size() == 0 {
				continue
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				data, err := w.contents()
				if err != nil {
					return fmt.Errorf("encode %s: %w", t.FileName(), err)
				}
				if err := tx.WriteFile(t.FileName(), data); err != nil {
					return fmt.Errorf("write %s: %w", t.FileName(), err)
				}
				return nil
			})
		}
		return g.Wait()
	})
}

// Stage appends a committed batch's rows to the chunk without flushing.
func (s *Store) Stage(staged *Chunk) {
	s.chunk.merge(staged)
}

// Hold keeps a hot block's rows aside until the block is finalized.
func (s *Store) Hold(height int64, staged *Chunk) {
	s.pending[height] = staged
}

// Discard drops held rows above height, for blocks removed by a reorg.
func (s *Store) Discard(above int64) {
	for h := range s.pending {
		if h > above {
			delete(s.pending, h)
		}
	}
}

// Finalize moves held rows at or below height into a chunk, in height
// order. The returned chunk is meant to be passed to Flush or Stage.
func (s *Store) Finalize(height int64) *Chunk {
	var heights []int64
	for h := range s.pending {
		if h <= height {
			heights = append(heights, h)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	out := newChunk(s.tables)
	for _, h := range heights {
		out.merge(s.pending[h])
		delete(s.pending, h)
	}
	return out
}

// Pending is the number of hot heights with held rows.
func (s *Store) Pending() int { return len(s.pending) }
