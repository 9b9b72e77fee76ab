package mapping

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/greymass/dualsink/libraries/encoding"
	"github.com/greymass/dualsink/services/dualsink/internal/chain"
	"github.com/greymass/dualsink/services/dualsink/internal/database"
	"github.com/greymass/dualsink/services/dualsink/internal/filestore"
	"github.com/greymass/dualsink/services/dualsink/internal/hotdb"
)

const (
	token = "0xToken"
	alice = "0xA11ce"
	bob   = "0xB0b"
)

func transfer(index int, from, to, amount string) chain.Log {
	return chain.Log{Index: index, Address: token, Topic: TransferTopic, From: from, To: to, Amount: amount, TxHash: "0xtx"}
}

func testBlocks() []chain.Block {
	return []chain.Block{
		{Height: 0, Hash: "0x00", Timestamp: 100, Logs: []chain.Log{transfer(0, ZeroAddress, alice, "1000")}},
		{Height: 1, Hash: "0x01", ParentHash: "0x00", Timestamp: 112, Logs: []chain.Log{
			transfer(0, alice, bob, "0x000000000000000000000000000000000000000000000000000000000000012c"),
			{Index: 1, Address: token, Topic: "0xapproval", From: alice, To: bob, Amount: "5"},
		}},
		{Height: 2, Hash: "0x02", ParentHash: "0x01", Timestamp: 124, Logs: []chain.Log{transfer(3, bob, ZeroAddress, "100")}},
	}
}

func setup(t *testing.T, format filestore.Format) (*database.Database, hotdb.Driver, Tables, string) {
	t.Helper()
	driver, err := hotdb.OpenPebble("hot", hotdb.PebbleOptions{FS: vfs.NewMem()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { driver.Close() })
	dir := t.TempDir()
	dest, err := filestore.NewLocalDest(dir)
	if err != nil {
		t.Fatal(err)
	}
	tables := NewTables(format, 0)
	files, err := filestore.NewStore(dest, tables.All(), filestore.WithSyncInterval(3))
	if err != nil {
		t.Fatal(err)
	}
	db := database.New(driver, files)
	if _, err := db.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db, driver, tables, dir
}

func balances(t *testing.T, driver hotdb.Driver, holders ...string) map[string]Account {
	t.Helper()
	out := map[string]Account{}
	err := driver.RunSerializable(context.Background(), func(ctx context.Context, tx hotdb.Tx) error {
		ids := make([]string, len(holders))
		for i, h := range holders {
			ids[i] = AccountID(token, h)
		}
		rows, err := tx.LoadEntities(ctx, Accounts.Kind, ids)
		if err != nil {
			return err
		}
		for i, id := range ids {
			if data, ok := rows[id]; ok {
				var a Account
				if err := encoding.JSONiter.Unmarshal(data, &a); err != nil {
					return err
				}
				out[holders[i]] = a
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestBatch(t *testing.T) {
	ctx := context.Background()
	db, driver, tables, dir := setup(t, filestore.CSV)
	m := New(tables)
	blocks := testBlocks()

	err := db.Transact(ctx, chain.FinalTxInfo{PrevHead: chain.Genesis(), NextHead: blocks[2].Head()}, func(s *database.Store) error {
		return m.Batch(ctx, s, blocks)
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}

	accs := balances(t, driver, alice, bob)
	if a := accs[alice]; a.Balance != "700" || a.Transfers != 2 || a.FirstBlock != 0 || a.LastBlock != 1 {
		t.Errorf("alice = %+v", a)
	}
	if b := accs[bob]; b.Balance != "200" || b.Transfers != 2 || b.FirstBlock != 1 || b.LastBlock != 2 {
		t.Errorf("bob = %+v", b)
	}
	if zero := balances(t, driver, ZeroAddress); len(zero) != 0 {
		t.Errorf("zero address tracked: %+v", zero)
	}

	folder := filepath.Join(dir, "0000000000-0000000002")
	data, err := os.ReadFile(filepath.Join(folder, "transfers.csv"))
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"block,timestamp,txHash,logIndex,token,from,to,amount",
		"0,100,0xtx,0,0xtoken," + ZeroAddress + ",0xa11ce,1000",
		"1,112,0xtx,0,0xtoken,0xa11ce,0xb0b,300",
		"2,124,0xtx,3,0xtoken,0xb0b," + ZeroAddress + ",100",
	}, "\n") + "\n"
	if string(data) != want {
		t.Errorf("transfers.csv =\n%s\nwant\n%s", data, want)
	}
	data, err = os.ReadFile(filepath.Join(folder, "blocks.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "height,hash,parentHash,timestamp,transfers\n0,0x00,,100,1\n1,0x01,0x00,112,1\n") {
		t.Errorf("blocks.csv =\n%s", data)
	}
}

func TestBlockByBlockMatchesBatch(t *testing.T) {
	ctx := context.Background()
	db, driver, tables, dir := setup(t, filestore.JSONL)
	m := New(tables)

	prev := chain.Genesis()
	for _, b := range testBlocks() {
		err := db.Transact(ctx, chain.FinalTxInfo{PrevHead: prev, NextHead: b.Head()}, func(s *database.Store) error {
			return m.Block(ctx, s, b)
		})
		if err != nil {
			t.Fatalf("block %d: %v", b.Height, err)
		}
		prev = b.Head()
	}
	accs := balances(t, driver, alice, bob)
	if accs[alice].Balance != "700" || accs[bob].Balance != "200" {
		t.Fatalf("balances = %+v", accs)
	}
	data, err := os.ReadFile(filepath.Join(dir, "0000000000-0000000002", "transfers.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 3 {
		t.Fatalf("transfers.jsonl has %d rows", lines)
	}
	if !strings.HasPrefix(string(data), `{"block":0,"timestamp":100,"txHash":"0xtx","logIndex":0,"token":"0xtoken",`) {
		t.Fatalf("transfers.jsonl = %s", data)
	}
}

func TestInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	db, driver, tables, _ := setup(t, filestore.JSONL)
	m := New(tables)
	b := chain.Block{Height: 0, Hash: "0x00", Logs: []chain.Log{transfer(0, alice, bob, "1")}}

	err := db.Transact(ctx, chain.FinalTxInfo{PrevHead: chain.Genesis(), NextHead: b.Head()}, func(s *database.Store) error {
		return m.Block(ctx, s, b)
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if accs := balances(t, driver, alice, bob); len(accs) != 0 {
		t.Fatalf("failed batch persisted %+v", accs)
	}
}

func TestBalanceOverflow(t *testing.T) {
	ctx := context.Background()
	db, driver, tables, _ := setup(t, filestore.JSONL)
	m := New(tables)
	maxBalance := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	b := chain.Block{Height: 0, Hash: "0x00", Logs: []chain.Log{
		transfer(0, ZeroAddress, bob, maxBalance),
		transfer(1, ZeroAddress, bob, "1"),
	}}

	err := db.Transact(ctx, chain.FinalTxInfo{PrevHead: chain.Genesis(), NextHead: b.Head()}, func(s *database.Store) error {
		return m.Block(ctx, s, b)
	})
	if !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
	if accs := balances(t, driver, bob); len(accs) != 0 {
		t.Fatalf("failed batch persisted %+v", accs)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0", "0", false},
		{"1000", "1000", false},
		{"0x01", "1", false},
		{"0x00000000000000000000000000000000000000000000000000000000000003e8", "1000", false},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", "115792089237316195423570985008687907853269984665640564039457584007913129639935", false},
		{"0x1" + strings.Repeat("0", 64), "", true},
		{"-5", "", true},
		{"0xzz", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := parseAmount(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseAmount(%q) = %s", tt.in, got.Dec())
			}
			continue
		}
		if err != nil || got.Dec() != tt.want {
			t.Errorf("parseAmount(%q) = %v, %v; want %s", tt.in, got, err, tt.want)
		}
	}
}
