package internal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/greymass/dualsink/libraries/logger"
	"github.com/greymass/dualsink/services/dualsink/internal/chain"
	"github.com/greymass/dualsink/services/dualsink/internal/database"
	"github.com/greymass/dualsink/services/dualsink/internal/mapping"
	"github.com/greymass/dualsink/services/dualsink/internal/source"
	"golang.org/x/time/rate"
)

var ErrSourceMismatch = errors.New("source does not extend the committed chain")

// Syncer moves blocks from the source into the database. Blocks at least
// finality-confirmation below the source head are committed as final; with
// hot-blocks enabled the rest are committed as hot blocks.
type Syncer struct {
	db     *database.Database
	src    source.Source
	mapper *mapping.Mapper
	config *Config

	progress rate.Sometimes
	blocks   int64
	started  time.Time

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	err     error
}

func NewSyncer(db *database.Database, src source.Source, mapper *mapping.Mapper, config *Config) *Syncer {
	interval := config.LogInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Syncer{
		db:       db,
		src:      src,
		mapper:   mapper,
		config:   config,
		progress: rate.Sometimes{Interval: interval},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Syncer) Start() error {
	if s.running.Swap(true) {
		return fmt.Errorf("syncer already running")
	}
	go s.syncLoop()
	return nil
}

func (s *Syncer) Stop() {
	if s.running.Load() {
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
		<-s.done
	}
}

// Done is closed when the sync loop exits. Err then reports why.
func (s *Syncer) Done() <-chan struct{} { return s.done }

func (s *Syncer) Err() error { return s.err }

func (s *Syncer) syncLoop() {
	defer close(s.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.started = time.Now()
	logger.Printf("sync", "Starting sync from %s (batch %d, finality %d, hot blocks %v)",
		s.db.State().Checkpoint, s.config.BatchSize, s.config.FinalityConfirmation, s.config.HotBlocks)

	for {
		progressed, err := s.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Printf("sync", "Sync stopped at %s", s.db.State().Checkpoint)
				return
			}
			logger.Error("Sync failed at %s: %v", s.db.State().Checkpoint, err)
			s.err = err
			return
		}
		if progressed {
			continue
		}
		if s.config.StopAtHead {
			logger.Printf("sync", "Caught up at %s, stopping", s.db.State().Checkpoint)
			return
		}
		select {
		case <-s.stop:
			logger.Printf("sync", "Sync stopped at %s", s.db.State().Checkpoint)
			return
		case <-time.After(s.config.PollInterval):
		}
	}
}

// Step commits at most one batch. It reports false when there was nothing
// to commit.
func (s *Syncer) Step(ctx context.Context) (bool, error) {
	head, err := s.src.Head(ctx)
	if errors.Is(err, source.ErrNoBlocks) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("source head: %w", err)
	}

	snap := s.db.State()
	finalized := head.Height - s.config.FinalityConfirmation
	if !s.config.HotBlocks || (len(snap.Hot) == 0 && snap.Checkpoint.Height < finalized) {
		return s.stepFinal(ctx, snap, head, finalized)
	}
	return s.stepHot(ctx, snap, head, finalized)
}

func (s *Syncer) stepFinal(ctx context.Context, snap database.Snapshot, head chain.Head, finalized int64) (bool, error) {
	cur := snap.Checkpoint
	next := cur.Height + 1
	if next > finalized {
		return false, nil
	}
	n := min(int64(s.config.BatchSize), finalized-next+1)
	blocks, err := s.src.Blocks(ctx, next, int(n))
	if err != nil {
		return false, err
	}
	if len(blocks) == 0 {
		return false, nil
	}
	if err := checkExtends(cur, blocks[0]); err != nil {
		return false, err
	}

	last := blocks[len(blocks)-1]
	info := chain.FinalTxInfo{PrevHead: cur, NextHead: last.Head(), IsOnTop: last.Height == head.Height}
	err = s.db.Transact(ctx, info, func(st *database.Store) error {
		return s.mapper.Batch(ctx, st, blocks)
	})
	if err != nil {
		return false, err
	}
	s.reportProgress(len(blocks), head)
	return true, nil
}

// stepHot keeps the stored hot chain in line with the source: it finds the
// highest stored hot block the source still agrees with, commits the source
// blocks above it and moves the checkpoint to the finality line.
func (s *Syncer) stepHot(ctx context.Context, snap database.Snapshot, head chain.Head, finalized int64) (bool, error) {
	cur := snap.Checkpoint
	known, err := s.src.Blocks(ctx, cur.Height+1, len(snap.Hot)+s.config.BatchSize)
	if err != nil {
		return false, err
	}
	if len(known) > 0 {
		if err := checkExtends(cur, known[0]); err != nil {
			return false, err
		}
	}

	base := cur
	matched := 0
	for i, h := range snap.Hot {
		if i >= len(known) || known[i].Hash != h.Hash {
			break
		}
		base = h
		matched++
	}
	newBlocks := known[matched:]
	if len(newBlocks) > s.config.BatchSize {
		newBlocks = newBlocks[:s.config.BatchSize]
	}
	if matched < len(snap.Hot) {
		logger.Printf("rollback", "Source diverges from stored hot chain above %s", base)
	}

	tip := base.Height
	if len(newBlocks) > 0 {
		tip = newBlocks[len(newBlocks)-1].Height
	}
	fin := cur
	if f := min(finalized, tip); f > cur.Height {
		fin = known[f-cur.Height-1].Head()
	}
	if len(newBlocks) == 0 && fin == cur && matched == len(snap.Hot) {
		return false, nil
	}

	byHeight := make(map[int64]chain.Block, len(newBlocks))
	heads := make([]chain.Head, len(newBlocks))
	for i, b := range newBlocks {
		byHeight[b.Height] = b
		heads[i] = b.Head()
	}
	info := chain.HotTxInfo{FinalizedHead: fin, BaseHead: base, NewBlocks: heads}
	err = s.db.TransactHot(ctx, info, func(st *database.Store, h chain.Head) error {
		return s.mapper.Block(ctx, st, byHeight[h.Height])
	})
	if err != nil {
		return false, err
	}
	s.reportProgress(len(newBlocks), head)
	return true, nil
}

func checkExtends(cur chain.Head, b chain.Block) error {
	if b.Height != cur.Height+1 {
		return fmt.Errorf("%w: source returned block %d after %s", ErrSourceMismatch, b.Height, cur)
	}
	if cur.Hash != chain.GenesisHash && b.ParentHash != "" && b.ParentHash != cur.Hash {
		return fmt.Errorf("%w: block %d has parent %s, checkpoint is %s", ErrSourceMismatch, b.Height, b.ParentHash, cur)
	}
	return nil
}

func (s *Syncer) reportProgress(n int, head chain.Head) {
	s.blocks += int64(n)
	s.progress.Do(func() {
		snap := s.db.State()
		elapsed := time.Since(s.started).Seconds()
		perSec := 0.0
		if elapsed > 0 {
			perSec = float64(s.blocks) / elapsed
		}
		logger.Printf("sync", "Checkpoint %s, %d hot, source head %s, %s blocks (%.1f/s), %s buffered",
			snap.Checkpoint, len(snap.Hot), head, logger.FormatCount(s.blocks), perSec,
			logger.FormatBytes(int64(snap.ChunkBytes)))
	})
}
