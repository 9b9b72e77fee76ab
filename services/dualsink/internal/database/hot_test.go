package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/greymass/dualsink/services/dualsink/internal/chain"
	"github.com/greymass/dualsink/services/dualsink/internal/entities"
)

func forkHead(h int64) chain.Head {
	return chain.Head{Height: h, Hash: fmt.Sprintf("0xf%03x", h)}
}

// mapHot credits "a<height>" by credit and records the block hash.
func mapHot(credit int64) func(*Store, chain.Head) error {
	return func(s *Store, h chain.Head) error {
		m, err := s.Entities()
		if err != nil {
			return err
		}
		id := fmt.Sprintf("a%d", h.Height)
		if err := entities.Defer(m, accountType, id, "total"); err != nil {
			return err
		}
		if _, err := entities.Load(context.Background(), m, accountType); err != nil {
			return err
		}
		for _, id := range []string{id, "total"} {
			acc, ok, err := entities.Get(m, accountType, id, true)
			if err != nil {
				return err
			}
			if !ok {
				acc = &account{ID: id}
				entities.Add(m, accountType, acc)
			}
			acc.Balance += credit
		}
		return s.Table(transfersTable).Write(map[string]any{"block": h.Height, "hash": h.Hash})
	}
}

func TestTransactHotReorg(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	driver := openDriver(t)
	db := openDatabase(t, driver, dir)

	err := db.TransactHot(ctx, chain.HotTxInfo{
		FinalizedHead: head(-1),
		BaseHead:      head(-1),
		NewBlocks:     []chain.Head{head(0), head(1), head(2)},
	}, mapHot(1))
	if err != nil {
		t.Fatalf("TransactHot: %v", err)
	}
	snap := db.State()
	if snap.Checkpoint != head(-1) || len(snap.Hot) != 3 || snap.Pending != 3 || snap.ChunkBytes != 0 {
		t.Fatalf("after hot commit: %+v", snap)
	}
	if acc := loadAccounts(t, driver, "total"); acc["total"] != `{"id":"total","balance":3}` {
		t.Fatalf("total = %v", acc)
	}

	// Replace 1 and 2 with a fork and finalize through 1'.
	err = db.TransactHot(ctx, chain.HotTxInfo{
		FinalizedHead: forkHead(1),
		BaseHead:      head(0),
		NewBlocks:     []chain.Head{forkHead(1), forkHead(2), forkHead(3)},
	}, mapHot(100))
	if err != nil {
		t.Fatalf("TransactHot reorg: %v", err)
	}
	snap = db.State()
	if snap.Checkpoint != forkHead(1) || snap.Nonce != 2 {
		t.Fatalf("checkpoint %s nonce %d", snap.Checkpoint, snap.Nonce)
	}
	if len(snap.Hot) != 2 || snap.Hot[0] != forkHead(2) || snap.Hot[1] != forkHead(3) {
		t.Fatalf("hot = %v", snap.Hot)
	}
	if snap.Pending != 2 || snap.ChunkBytes == 0 {
		t.Fatalf("pending %d, chunk %d", snap.Pending, snap.ChunkBytes)
	}
	acc := loadAccounts(t, driver, "a1", "a2", "total")
	if acc["a2"] != `{"id":"a2","balance":100}` || acc["total"] != `{"id":"total","balance":301}` {
		t.Fatalf("accounts after reorg = %v", acc)
	}

	// Finalize the rest and flush.
	db.ForceFlush()
	err = db.TransactHot(ctx, chain.HotTxInfo{
		FinalizedHead: forkHead(3),
		BaseHead:      forkHead(3),
	}, mapHot(0))
	if err != nil {
		t.Fatal(err)
	}
	if snap := db.State(); snap.Checkpoint != forkHead(3) || len(snap.Hot) != 0 || snap.Pending != 0 {
		t.Fatalf("after finalization: %+v", snap)
	}
	data, err := os.ReadFile(filepath.Join(dir, "0000000000-0000000003", "transfers.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		`{"block":0,"hash":"0x0000"}`,
		`{"block":1,"hash":"0xf001"}`,
		`{"block":2,"hash":"0xf002"}`,
		`{"block":3,"hash":"0xf003"}`,
	}, "\n") + "\n"
	if string(data) != want {
		t.Fatalf("transfers =\n%s\nwant\n%s", data, want)
	}
}

func TestTransactHotValidation(t *testing.T) {
	ctx := context.Background()
	db := openDatabase(t, openDriver(t), t.TempDir())
	noop := func(*Store, chain.Head) error { return nil }

	err := db.TransactHot(ctx, chain.HotTxInfo{
		FinalizedHead: head(-1),
		BaseHead:      head(4),
		NewBlocks:     []chain.Head{head(5)},
	}, noop)
	if !errors.Is(err, chain.ErrConcurrencyConflict) {
		t.Fatalf("unknown base: %v", err)
	}
	err = db.TransactHot(ctx, chain.HotTxInfo{
		FinalizedHead: head(0),
		BaseHead:      head(-1),
		NewBlocks:     []chain.Head{forkHead(0)},
	}, noop)
	if !errors.Is(err, chain.ErrInvalidTransition) {
		t.Fatalf("finalized head off the hot chain: %v", err)
	}
	err = db.TransactHot(ctx, chain.HotTxInfo{
		FinalizedHead: chain.Head{Height: head(-1).Height, Hash: "0xbad"},
		BaseHead:      head(-1),
		NewBlocks:     []chain.Head{head(0)},
	}, noop)
	if !errors.Is(err, chain.ErrInvalidTransition) {
		t.Fatalf("finalized head disagrees with checkpoint: %v", err)
	}
	err = db.TransactHot(ctx, chain.HotTxInfo{
		FinalizedHead: head(-1),
		BaseHead:      head(-1),
		NewBlocks:     []chain.Head{head(0), head(2)},
	}, noop)
	if !errors.Is(err, chain.ErrChainContinuity) {
		t.Fatalf("gap in new blocks: %v", err)
	}
}

func TestConnectRollsBackHotBlocks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	driver := openDriver(t)
	db := openDatabase(t, driver, dir)

	err := db.TransactHot(ctx, chain.HotTxInfo{
		FinalizedHead: head(0),
		BaseHead:      head(-1),
		NewBlocks:     []chain.Head{head(0), head(1), head(2)},
	}, mapHot(1))
	if err != nil {
		t.Fatal(err)
	}

	restarted := openDatabase(t, driver, dir)
	snap := restarted.State()
	if snap.Checkpoint != head(0) || len(snap.Hot) != 0 {
		t.Fatalf("after restart: %+v", snap)
	}
	acc := loadAccounts(t, driver, "a0", "a1", "a2", "total")
	if _, ok := acc["a1"]; ok {
		t.Fatalf("hot block 1 survived restart: %v", acc)
	}
	if acc["a0"] != `{"id":"a0","balance":1}` || acc["total"] != `{"id":"total","balance":1}` {
		t.Fatalf("finalized state lost: %v", acc)
	}

	// The hot chain can be rebuilt from the checkpoint.
	err = restarted.TransactHot(ctx, chain.HotTxInfo{
		FinalizedHead: head(0),
		BaseHead:      head(0),
		NewBlocks:     []chain.Head{head(1)},
	}, mapHot(1))
	if err != nil {
		t.Fatal(err)
	}
}

func TestFinalTransactClearsHotBlocks(t *testing.T) {
	ctx := context.Background()
	driver := openDriver(t)
	db := openDatabase(t, driver, t.TempDir())

	err := db.TransactHot(ctx, chain.HotTxInfo{
		FinalizedHead: head(-1),
		BaseHead:      head(-1),
		NewBlocks:     []chain.Head{head(0), head(1)},
	}, mapHot(1))
	if err != nil {
		t.Fatal(err)
	}
	err = db.Transact(ctx, chain.FinalTxInfo{PrevHead: head(-1), NextHead: head(1)}, func(s *Store) error {
		return mapHot(5)(s, head(1))
	})
	if err != nil {
		t.Fatal(err)
	}
	snap := db.State()
	if snap.Checkpoint != head(1) || len(snap.Hot) != 0 || snap.Pending != 0 {
		t.Fatalf("after final commit: %+v", snap)
	}
	if acc := loadAccounts(t, driver, "total"); acc["total"] != `{"id":"total","balance":5}` {
		t.Fatalf("hot mutations were not undone: %v", acc)
	}
}
