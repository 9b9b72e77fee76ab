// Package database drives both sinks through one commit per batch. The file
// sink is flushed before the relational transaction commits, so a crash in
// between leaves only file output beyond the relational checkpoint, which
// the next Connect prunes.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/greymass/dualsink/libraries/enforce"
	"github.com/greymass/dualsink/libraries/logger"
	"github.com/greymass/dualsink/libraries/retry"
	"github.com/greymass/dualsink/libraries/steptrace"
	"github.com/greymass/dualsink/services/dualsink/internal/chain"
	"github.com/greymass/dualsink/services/dualsink/internal/entities"
	"github.com/greymass/dualsink/services/dualsink/internal/filestore"
	"github.com/greymass/dualsink/services/dualsink/internal/hotdb"
	"github.com/greymass/dualsink/services/dualsink/internal/metrics"
)

const DefaultRetryAttempts = 3

type Option func(*Database)

// WithRetry sets the relational commit attempt budget and the delay before
// the second attempt.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(d *Database) {
		d.policy.MaxAttempts = attempts
		d.policy.Delay = delay
	}
}

// WithTracing records the phases of every commit for LastTrace.
func WithTracing() Option {
	return func(d *Database) { d.tracing = true }
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	Checkpoint chain.Head   `json:"checkpoint"`
	Nonce      uint32       `json:"nonce"`
	Hot        []chain.Head `json:"hot"`
	File       chain.Head   `json:"file"`
	ChunkBytes int          `json:"chunkBytes"`
	Pending    int          `json:"pendingHotHeights"`
}

type Database struct {
	mu        sync.Mutex
	driver    hotdb.Driver
	files     *filestore.Store
	policy    retry.Policy
	connected bool
	tracing   bool
	snapshot  atomic.Pointer[Snapshot]
	lastTrace atomic.Pointer[steptrace.TraceOutput]
}

func New(driver hotdb.Driver, files *filestore.Store, opts ...Option) *Database {
	d := &Database{
		driver: driver,
		files:  files,
		policy: retry.Policy{
			MaxAttempts: DefaultRetryAttempts,
			Retryable:   hotdb.IsSerializationFailure,
			Delay:       50 * time.Millisecond,
			MaxDelay:    time.Second,
			Name:        "relational commit",
			Category:    "commit",
		},
	}
	for _, o := range opts {
		o(d)
	}
	d.snapshot.Store(&Snapshot{Checkpoint: chain.Genesis(), File: chain.Genesis()})
	return d
}

// Connect prepares the relational sink, unwinds hot blocks left by a previous
// run and reconciles the file sink with the checkpoint. Hot blocks are undone
// because their file rows only ever lived in memory.
func (d *Database) Connect(ctx context.Context) (hotdb.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, err := d.driver.Connect(ctx)
	if err != nil {
		return hotdb.State{}, fmt.Errorf("connect relational sink: %w", err)
	}
	if len(state.Top) > 0 {
		logger.Printf("startup", "Rolling back %d hot blocks above %s", len(state.Top), state.Head())
		err := d.driver.RunSerializable(ctx, func(ctx context.Context, tx hotdb.Tx) error {
			cur, err := tx.ReadState(ctx)
			if err != nil {
				return err
			}
			_, err = hotdb.Rollback(ctx, tx, cur.Top, cur.Height)
			return err
		})
		if err != nil {
			return hotdb.State{}, fmt.Errorf("rollback hot blocks: %w", err)
		}
		metrics.RolledBackBlocks.Add(float64(len(state.Top)))
		state.Top = nil
	}

	if _, err := d.files.Connect(state.Head()); err != nil {
		return hotdb.State{}, fmt.Errorf("connect file sink: %w", err)
	}
	d.connected = true
	d.publish(state)
	logger.Printf("startup", "Checkpoint %s (nonce %d)", state.Head(), state.Nonce)
	return state, nil
}

// State is the last published snapshot. It does not wait for a running commit.
func (d *Database) State() Snapshot {
	return *d.snapshot.Load()
}

// LastTrace is the phase breakdown of the last successful commit, or nil
// when tracing is off.
func (d *Database) LastTrace() *steptrace.TraceOutput { return d.lastTrace.Load() }

func (d *Database) finishTrace(tr *steptrace.Tracer) {
	tr.Log()
	if out := tr.ToJSON(); out != nil {
		d.lastTrace.Store(out)
	}
}

// ForceFlush makes the next commit flush the file sink.
func (d *Database) ForceFlush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files.ForceFlush()
}

func (d *Database) publish(state hotdb.State) {
	enforce.ENFORCE(chain.CheckContinuity(state.Head(), state.Top), "published hot chain")
	d.snapshot.Store(&Snapshot{
		Checkpoint: state.Head(),
		Nonce:      state.Nonce,
		Hot:        append([]chain.Head(nil), state.Top...),
		File:       d.files.State(),
		ChunkBytes: d.files.Size(),
		Pending:    d.files.Pending(),
	})
	metrics.CheckpointHeight.Set(float64(state.Height))
	metrics.FileHeight.Set(float64(d.files.State().Height))
	metrics.HotBlocks.Set(float64(len(state.Top)))
	metrics.ChunkBytes.Set(float64(d.files.Size()))
}

// precheck reads the checkpoint and verifies both sinks still hold what this
// process last wrote.
func (d *Database) precheck(ctx context.Context, expected chain.Head) (hotdb.State, error) {
	if !d.connected {
		return hotdb.State{}, errors.New("database not connected")
	}
	if err := ctx.Err(); err != nil {
		return hotdb.State{}, err
	}
	state, err := d.driver.ReadState(ctx)
	if err != nil {
		return hotdb.State{}, fmt.Errorf("read checkpoint: %w", err)
	}
	if state.Head() != expected {
		return hotdb.State{}, fmt.Errorf("%w: checkpoint is %s, expected %s; is another processor running?",
			chain.ErrConcurrencyConflict, state.Head(), expected)
	}
	if err := d.files.CheckStatus(); err != nil {
		return hotdb.State{}, err
	}
	return state, nil
}

// revalidate repeats the precondition inside the transaction.
func revalidate(ctx context.Context, tx hotdb.Tx, expected hotdb.State) (hotdb.State, error) {
	cur, err := tx.ReadState(ctx)
	if err != nil {
		return hotdb.State{}, err
	}
	if cur.Head() != expected.Head() || cur.Nonce != expected.Nonce {
		return hotdb.State{}, fmt.Errorf("%w: checkpoint moved to %s (nonce %d) during commit",
			chain.ErrConcurrencyConflict, cur.Head(), cur.Nonce)
	}
	if err := chain.CheckContinuity(cur.Head(), cur.Top); err != nil {
		return hotdb.State{}, err
	}
	return cur, nil
}

// apply runs mutate against a fresh manager and staging chunk and returns
// the net entity mutations. The store and manager are sealed as soon as
// mutate returns, so the diff only sees writes made inside the callback.
func (d *Database) apply(ctx context.Context, tx hotdb.Tx, mutate func(*Store) error) ([]hotdb.Mutation, *filestore.Chunk, bool, error) {
	manager := entities.NewManager(tx)
	defer manager.Close()
	staged := d.files.NewStaging()
	store := newStore(manager, staged)

	err := mutate(store)
	store.close()
	manager.Seal()
	if err != nil {
		return nil, nil, false, fmt.Errorf("mutate: %w", err)
	}
	muts, err := manager.Changes(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	return muts, staged, store.force, nil
}

func countMutations(muts []hotdb.Mutation) {
	for _, m := range muts {
		metrics.EntityMutations.WithLabelValues(m.Kind, string(m.Op)).Inc()
	}
}

// Transact commits one batch of finalized blocks moving the checkpoint from
// info.PrevHead to info.NextHead. mutate is called once with a Store that
// becomes unusable when it returns. If the chunk crosses its size threshold
// or block interval, the file sink is flushed before the relational commit.
// Only serialization failures are retried, and retries replay the captured
// mutations rather than calling mutate again.
func (d *Database) Transact(ctx context.Context, info chain.FinalTxInfo, mutate func(*Store) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	state, err := d.precheck(ctx, info.PrevHead)
	if err != nil {
		return err
	}
	if err := chain.CheckTransition(info.PrevHead, info.NextHead); err != nil {
		return err
	}

	// Past this point the commit runs to completion or fails.
	cctx := context.WithoutCancel(ctx)
	tr := steptrace.New("commit", info.NextHead.String(), d.tracing)

	var (
		muts     []hotdb.Mutation
		staged   *filestore.Chunk
		applied  bool
		flushed  bool
		rollback []chain.Head
	)
	err = retry.Do(cctx, d.policy, func(attempt int) error {
		if attempt > 1 {
			metrics.RetriesTotal.Inc()
		}
		tr.SetMetadata("attempts", attempt)
		return d.driver.RunSerializable(cctx, func(ctx context.Context, tx hotdb.Tx) error {
			st := tr.Step("relational", "revalidate")
			cur, err := revalidate(ctx, tx, state)
			st.End()
			if err != nil {
				return err
			}
			st = tr.Step("relational", "rollback")
			if rollback, err = hotdb.Rollback(ctx, tx, cur.Top, cur.Height); err != nil {
				return err
			}
			st.WithCount(len(rollback)).End()

			if !applied {
				var force bool
				st = tr.Step("mapping", "mutate")
				if muts, staged, force, err = d.apply(ctx, tx, mutate); err != nil {
					return err
				}
				st.WithCount(len(muts)).End()
				if force {
					d.files.ForceFlush()
				}
				applied = true
			}

			if !flushed && d.files.ShouldFlush(info.NextHead, staged) {
				size := d.files.Size() + staged.Size()
				st = tr.Step("files", "flush").WithDetails("%s", logger.FormatBytes(int64(size)))
				if err := d.files.Flush(ctx, info.NextHead, staged); err != nil {
					return err
				}
				st.End()
				metrics.FlushesTotal.Inc()
				metrics.FlushBytes.Add(float64(size))
				flushed = true
			}

			st = tr.Step("relational", "persist").WithCount(len(muts))
			if err := hotdb.Persist(ctx, tx, muts); err != nil {
				return err
			}
			if err := tx.UpdateStatus(ctx, state.Nonce, info.NextHead); err != nil {
				return err
			}
			st.End()
			return nil
		})
	})
	if err != nil {
		return err
	}

	if !flushed {
		d.files.Stage(staged)
	}
	d.files.Discard(info.PrevHead.Height)
	if n := len(rollback); n > 0 {
		metrics.RolledBackBlocks.Add(float64(n))
	}
	countMutations(muts)
	metrics.CommitsTotal.WithLabelValues("final").Inc()
	metrics.CommitDuration.WithLabelValues("final").Observe(time.Since(start).Seconds())

	d.publish(hotdb.State{Status: hotdb.Status{Height: info.NextHead.Height, Hash: info.NextHead.Hash, Nonce: state.Nonce + 1}})
	tr.SetMetadata("flushed", flushed)
	d.finishTrace(tr)
	logger.Printf("commit", "Committed %s -> %s: %d mutations, %s buffered, flushed=%v (%v)",
		info.PrevHead, info.NextHead, len(muts), logger.FormatBytes(int64(d.files.Size())), flushed,
		time.Since(start).Round(time.Millisecond))
	return nil
}

type hotBlock struct {
	head    chain.Head
	muts    []hotdb.Mutation
	staged  *filestore.Chunk
	applied bool
}

// TransactHot commits unfinalized blocks on top of info.BaseHead. Stored hot
// blocks above the base are rolled back first. Each new block gets its own
// mutate call and change log, and its table rows are held back until the
// block is final. Blocks at or below info.FinalizedHead leave the hot list and
// the checkpoint moves there.
func (d *Database) TransactHot(ctx context.Context, info chain.HotTxInfo, mutate func(*Store, chain.Head) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	if !d.connected {
		return errors.New("database not connected")
	}
	state, err := d.driver.ReadState(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if err := d.files.CheckStatus(); err != nil {
		return err
	}
	if err := chain.CheckHotTx(state.Head(), state.Top, info); err != nil {
		return err
	}
	finalized, err := resolveFinalized(state, info)
	if err != nil {
		return err
	}

	cctx := context.WithoutCancel(ctx)
	tr := steptrace.New("hot commit", fmt.Sprintf("%d blocks on %s", len(info.NewBlocks), info.BaseHead), d.tracing)
	blocks := make([]hotBlock, len(info.NewBlocks))
	for i, h := range info.NewBlocks {
		blocks[i].head = h
	}

	var (
		filesDone bool
		flushed   bool
		toStage   *filestore.Chunk
		rollback  []chain.Head
		final     hotdb.State
	)
	err = retry.Do(cctx, d.policy, func(attempt int) error {
		if attempt > 1 {
			metrics.RetriesTotal.Inc()
		}
		tr.SetMetadata("attempts", attempt)
		return d.driver.RunSerializable(cctx, func(ctx context.Context, tx hotdb.Tx) error {
			st := tr.Step("relational", "revalidate")
			cur, err := revalidate(ctx, tx, state)
			st.End()
			if err != nil {
				return err
			}
			st = tr.Step("relational", "rollback")
			if rollback, err = hotdb.Rollback(ctx, tx, cur.Top, info.BaseHead.Height); err != nil {
				return err
			}
			st.WithCount(len(rollback)).End()

			st = tr.Step("relational", "insert hot blocks").WithCount(len(blocks))
			for i := range blocks {
				b := &blocks[i]
				if err := tx.InsertHotBlock(ctx, b.head); err != nil {
					return fmt.Errorf("insert hot block %s: %w", b.head, err)
				}
				if !b.applied {
					var force bool
					b.muts, b.staged, force, err = d.apply(ctx, tx, func(s *Store) error { return mutate(s, b.head) })
					if err != nil {
						return fmt.Errorf("block %s: %w", b.head, err)
					}
					if force {
						d.files.ForceFlush()
					}
					b.applied = true
				}
				if err := hotdb.Persist(ctx, tx, b.muts); err != nil {
					return err
				}
				if err := tx.AppendChangeLog(ctx, b.head.Height, hotdb.Changes(b.muts)); err != nil {
					return err
				}
			}

			st.End()

			for h := cur.Height + 1; h <= finalized.Height; h++ {
				if err := tx.DeleteHotBlock(ctx, h); err != nil {
					return err
				}
			}

			if !filesDone {
				st = tr.Step("files", "hold").WithDetails("finalized %s", finalized)
				d.files.Discard(info.BaseHead.Height)
				for _, b := range blocks {
					d.files.Hold(b.head.Height, b.staged)
				}
				if finalized.Height > cur.Height {
					fin := d.files.Finalize(finalized.Height)
					if d.files.ShouldFlush(finalized, fin) {
						size := d.files.Size() + fin.Size()
						if err := d.files.Flush(ctx, finalized, fin); err != nil {
							return err
						}
						metrics.FlushesTotal.Inc()
						metrics.FlushBytes.Add(float64(size))
						flushed = true
					} else {
						toStage = fin
					}
				}
				st.End()
				filesDone = true
			}

			if err := tx.UpdateStatus(ctx, state.Nonce, finalized); err != nil {
				return err
			}
			final, err = tx.ReadState(ctx)
			return err
		})
	})
	if err != nil {
		return err
	}

	if toStage != nil {
		d.files.Stage(toStage)
	}
	if n := len(rollback); n > 0 {
		metrics.RolledBackBlocks.Add(float64(n))
		logger.Printf("rollback", "Reorg: replaced %d hot blocks above %s", n, info.BaseHead)
	}
	total := 0
	for _, b := range blocks {
		countMutations(b.muts)
		total += len(b.muts)
	}
	metrics.CommitsTotal.WithLabelValues("hot").Inc()
	metrics.CommitDuration.WithLabelValues("hot").Observe(time.Since(start).Seconds())

	d.publish(final)
	tr.SetMetadata("flushed", flushed)
	d.finishTrace(tr)
	logger.Printf("commit", "Committed %d hot blocks on %s, finalized %s: %d mutations, %d hot, flushed=%v (%v)",
		len(blocks), info.BaseHead, finalized, total, len(final.Top), flushed, time.Since(start).Round(time.Millisecond))
	return nil
}

// resolveFinalized returns the head the checkpoint moves to, checking that
// a finalized head above the current checkpoint names a block that will be
// in the hot chain after this commit.
func resolveFinalized(state hotdb.State, info chain.HotTxInfo) (chain.Head, error) {
	fin := info.FinalizedHead
	if fin.Height == state.Height && fin != state.Head() {
		return chain.Head{}, fmt.Errorf("%w: finalized head %s disagrees with checkpoint %s",
			chain.ErrInvalidTransition, fin, state.Head())
	}
	if fin.Height <= state.Height {
		return state.Head(), nil
	}
	var hash string
	if fin.Height <= info.BaseHead.Height {
		hash = state.Top[fin.Height-state.Height-1].Hash
	} else {
		hash = info.NewBlocks[fin.Height-info.BaseHead.Height-1].Hash
	}
	if hash != fin.Hash {
		return chain.Head{}, fmt.Errorf("%w: finalized head %s is not on the hot chain (have %s)",
			chain.ErrInvalidTransition, fin, hash)
	}
	return fin, nil
}
