package hotdb

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/greymass/dualsink/services/dualsink/internal/chain"
)

type hotStep struct {
	height int64
	muts   []Mutation
}

func applyHot(t *testing.T, d *PebbleDriver, steps []hotStep) {
	t.Helper()
	err := d.RunSerializable(context.Background(), func(ctx context.Context, tx Tx) error {
		for _, s := range steps {
			if err := tx.InsertHotBlock(ctx, chain.Head{Height: s.height, Hash: fmt.Sprintf("0x%x", s.height)}); err != nil {
				return err
			}
			if err := Persist(ctx, tx, s.muts); err != nil {
				return err
			}
			if err := tx.AppendChangeLog(ctx, s.height, Changes(s.muts)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("apply hot blocks: %v", err)
	}
}

func snapshot(t *testing.T, d *PebbleDriver, ids ...string) map[string]string {
	t.Helper()
	out := map[string]string{}
	_ = d.RunSerializable(context.Background(), func(ctx context.Context, tx Tx) error {
		rows, err := tx.LoadEntities(ctx, "account", ids)
		if err != nil {
			t.Fatal(err)
		}
		for id, data := range rows {
			out[id] = string(data)
		}
		return nil
	})
	return out
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	ids := []string{"a", "b", "c"}

	base := []hotStep{
		{100, []Mutation{
			{Op: OpInsert, Kind: "account", ID: "a", After: []byte(`{"v":1}`)},
			{Op: OpInsert, Kind: "account", ID: "b", After: []byte(`{"v":1}`)},
		}},
		{101, []Mutation{
			{Op: OpUpdate, Kind: "account", ID: "a", Before: []byte(`{"v":1}`), After: []byte(`{"v":2}`)},
		}},
	}
	extra := []hotStep{
		{102, []Mutation{
			{Op: OpUpdate, Kind: "account", ID: "a", Before: []byte(`{"v":2}`), After: []byte(`{"v":3}`)},
			{Op: OpInsert, Kind: "account", ID: "c", After: []byte(`{"v":1}`)},
		}},
		{103, []Mutation{
			{Op: OpDelete, Kind: "account", ID: "b", Before: []byte(`{"v":1}`)},
			{Op: OpUpdate, Kind: "account", ID: "c", Before: []byte(`{"v":1}`), After: []byte(`{"v":9}`)},
		}},
	}

	reference := openTestPebble(t)
	applyHot(t, reference, base)
	want := snapshot(t, reference, ids...)

	d := openTestPebble(t)
	applyHot(t, d, base)
	applyHot(t, d, extra)

	state, err := d.ReadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var undone []chain.Head
	err = d.RunSerializable(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		undone, err = Rollback(ctx, tx, state.Top, 101)
		return err
	})
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if len(undone) != 2 || undone[0].Height != 103 || undone[1].Height != 102 {
		t.Fatalf("unexpected rollback order: %v", undone)
	}
	if got := snapshot(t, d, ids...); !reflect.DeepEqual(got, want) {
		t.Fatalf("state after rollback = %v, want %v", got, want)
	}

	state, err = d.ReadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Top) != 2 || state.Tip().Height != 101 {
		t.Fatalf("unexpected hot blocks after rollback: %v", state.Top)
	}
}

func TestRollbackNothingAbove(t *testing.T) {
	d := openTestPebble(t)
	applyHot(t, d, []hotStep{{5, nil}})
	state, _ := d.ReadState(context.Background())

	err := d.RunSerializable(context.Background(), func(ctx context.Context, tx Tx) error {
		undone, err := Rollback(ctx, tx, state.Top, 5)
		if len(undone) != 0 {
			t.Fatalf("unexpected rollback: %v", undone)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUndoMissingBeforeImage(t *testing.T) {
	d := openTestPebble(t)
	err := d.RunSerializable(context.Background(), func(ctx context.Context, tx Tx) error {
		return undo(ctx, tx, Change{Op: OpUpdate, Kind: "account", ID: "a"})
	})
	if err == nil {
		t.Fatal("expected error for update without before-image")
	}
}
