package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/greymass/dualsink/libraries/compression"
	"github.com/greymass/dualsink/services/dualsink/internal/chain"
)

var (
	testTransfers = NewTable("transfers", JSONL)
	testAccounts  = NewTable("accounts", CSV, WithColumns("id", "balance"))
)

func newTestStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	dest, err := NewLocalDest(dir)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(dest, []*Table{testTransfers, testAccounts}, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func connect(t *testing.T, s *Store, head chain.Head) {
	t.Helper()
	if _, err := s.Connect(head); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func stage(t *testing.T, s *Store, rows int) *Chunk {
	t.Helper()
	c := s.NewStaging()
	w, err := c.Writer(testTransfers)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < rows; i++ {
		if err := w.Write(map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFolderName(t *testing.T) {
	name := FolderName(100, 120)
	if name != "0000000100-0000000120" {
		t.Fatalf("FolderName = %s", name)
	}
	from, to, ok := ParseFolderName(name)
	if !ok || from != 100 || to != 120 {
		t.Fatalf("ParseFolderName(%s) = %d, %d, %v", name, from, to, ok)
	}
	for _, bad := range []string{"status.txt", "100-", "-5", "a-b", ".0000000001-0000000002.tmp-1"} {
		if _, _, ok := ParseFolderName(bad); ok {
			t.Errorf("ParseFolderName(%q) accepted", bad)
		}
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want chain.Head
		err  bool
	}{
		{"9\n0xabc", chain.Head{Height: 9, Hash: "0xabc"}, false},
		{"-1\n0x", chain.Genesis(), false},
		{"12", chain.Head{Height: 12, Hash: "0x"}, false},
		{"x\n0x", chain.Head{}, true},
	}
	for _, tt := range tests {
		got, err := parseStatus(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("parseStatus(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseStatus(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewStoreValidation(t *testing.T) {
	dest, err := NewLocalDest(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dup := NewTable("transfers", JSONL)
	if _, err := NewStore(dest, []*Table{testTransfers, dup}); err == nil {
		t.Error("duplicate table accepted")
	}
	if _, err := NewStore(dest, []*Table{NewTable("x", CSV)}); err == nil {
		t.Error("csv table without columns accepted")
	}
	if _, err := NewStore(dest, nil, WithChunkSizeMB(0)); err == nil {
		t.Error("zero chunk size accepted")
	}

	s, err := NewStore(dest, []*Table{testTransfers})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewStaging().Writer(testAccounts); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}
}

func TestConnectInitializesStatus(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	state, err := s.Connect(chain.Genesis())
	if err != nil {
		t.Fatal(err)
	}
	if state != chain.Genesis() {
		t.Fatalf("state = %v", state)
	}
	data, err := os.ReadFile(filepath.Join(dir, StatusFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "-1\n0x" {
		t.Fatalf("status.txt = %q", data)
	}
}

func TestShouldFlush(t *testing.T) {
	s := newTestStore(t, t.TempDir(), WithChunkSizeMB(1), WithSyncInterval(10))
	connect(t, s, chain.Genesis())

	if s.ShouldFlush(chain.Head{Height: 8, Hash: "0x8"}, stage(t, s, 1)) {
		t.Error("flush before interval")
	}
	if !s.ShouldFlush(chain.Head{Height: 9, Hash: "0x9"}, nil) {
		t.Error("no flush at interval")
	}

	big := s.NewStaging()
	w, _ := big.Writer(testTransfers)
	if err := w.Write(map[string]any{"blob": strings.Repeat("x", mib)}); err != nil {
		t.Fatal(err)
	}
	if !s.ShouldFlush(chain.Head{Height: 0, Hash: "0x0"}, big) {
		t.Error("no flush above size threshold")
	}

	s.ForceFlush()
	if !s.ShouldFlush(chain.Head{Height: 0, Hash: "0x0"}, nil) {
		t.Error("force flag ignored")
	}
	if err := s.Flush(context.Background(), chain.Head{Height: 0, Hash: "0x0"}, nil); err != nil {
		t.Fatal(err)
	}
	if s.Forced() {
		t.Error("force flag not cleared by flush")
	}

	noInterval := newTestStore(t, t.TempDir())
	connect(t, noInterval, chain.Genesis())
	if noInterval.ShouldFlush(chain.Head{Height: 1 << 40, Hash: "0x"}, nil) {
		t.Error("interval trigger without interval")
	}
}

func TestFlush(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	connect(t, s, chain.Genesis())

	first := stage(t, s, 2)
	s.Stage(first)
	second := stage(t, s, 1)
	aw, _ := second.Writer(testAccounts)
	if err := aw.Write(map[string]any{"id": "0xabc", "balance": int64(5)}); err != nil {
		t.Fatal(err)
	}

	next := chain.Head{Height: 9, Hash: "0x09"}
	if err := s.Flush(context.Background(), next, second); err != nil {
		t.Fatal(err)
	}
	if s.State() != next || s.Size() != 0 {
		t.Fatalf("after flush state=%v size=%d", s.State(), s.Size())
	}

	folder := filepath.Join(dir, "0000000000-0000000009")
	data, err := os.ReadFile(filepath.Join(folder, "transfers.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\"n\":0}\n{\"n\":1}\n{\"n\":0}\n" {
		t.Fatalf("transfers.jsonl = %q", data)
	}
	data, err = os.ReadFile(filepath.Join(folder, "accounts.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "id,balance\n0xabc,5\n" {
		t.Fatalf("accounts.csv = %q", data)
	}
	status, _ := os.ReadFile(filepath.Join(dir, StatusFile))
	if string(status) != "9\n0x09" {
		t.Fatalf("status.txt = %q", status)
	}

	// Nothing buffered: only the status advances.
	if err := s.Flush(context.Background(), chain.Head{Height: 12, Hash: "0x0c"}, nil); err != nil {
		t.Fatal(err)
	}
	names := listDir(t, dir)
	if len(names) != 2 {
		t.Fatalf("unexpected entries %v", names)
	}
	if err := s.Flush(context.Background(), chain.Head{Height: 12, Hash: "0x0d"}, nil); !errors.Is(err, chain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestFlushCompressed(t *testing.T) {
	dir := t.TempDir()
	tbl := NewTable("events", JSONL, WithCompression(3))
	dest, _ := NewLocalDest(dir)
	s, err := NewStore(dest, []*Table{tbl})
	if err != nil {
		t.Fatal(err)
	}
	connect(t, s, chain.Genesis())

	c := s.NewStaging()
	w, _ := c.Writer(tbl)
	w.WriteMany(map[string]any{"a": 1}, map[string]any{"a": 2})
	if err := s.Flush(context.Background(), chain.Head{Height: 0, Hash: "0x0"}, c); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "0000000000-0000000000", "events.jsonl.zst"))
	if err != nil {
		t.Fatal(err)
	}
	if !compression.IsZstd(raw) {
		t.Fatal("file is not zstd")
	}
	plain, err := compression.ZstdDecompress(nil, raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "{\"a\":1}\n{\"a\":2}\n" {
		t.Fatalf("decompressed = %q", plain)
	}
}

// failingDest fails writing one file inside a folder transaction.
type failingDest struct {
	Dest
	failOn string
}

func (d *failingDest) Transact(dir string, fn func(Dest) error) error {
	return d.Dest.Transact(dir, func(tx Dest) error {
		return fn(&failingDest{Dest: tx, failOn: d.failOn})
	})
}

func (d *failingDest) WriteFile(name string, data []byte) error {
	if name == d.failOn {
		return errors.New("disk full")
	}
	return d.Dest.WriteFile(name, data)
}

func TestFlushAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	local, _ := NewLocalDest(dir)
	s, err := NewStore(&failingDest{Dest: local, failOn: "accounts.csv"}, []*Table{testTransfers, testAccounts})
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, StatusFile), []byte("99\n0x63"), 0644)
	connect(t, s, chain.Head{Height: 99, Hash: "0x63"})

	c := stage(t, s, 3)
	aw, _ := c.Writer(testAccounts)
	aw.Write(map[string]any{"id": "a", "balance": "1"})
	s.Stage(c)

	err = s.Flush(context.Background(), chain.Head{Height: 120, Hash: "0x78"}, nil)
	if !errors.Is(err, ErrFlush) {
		t.Fatalf("expected ErrFlush, got %v", err)
	}
	for _, name := range listDir(t, dir) {
		if name != StatusFile {
			t.Errorf("unexpected entry after failed flush: %s", name)
		}
	}
	if s.State().Height != 99 || s.Size() == 0 {
		t.Fatalf("failed flush changed state: %v, size %d", s.State(), s.Size())
	}

	// A fresh connect still sees a clean directory.
	s2 := newTestStore(t, dir)
	connect(t, s2, chain.Head{Height: 99, Hash: "0x63"})
	if names := listDir(t, dir); len(names) != 1 {
		t.Fatalf("entries after reconnect: %v", names)
	}
}

func TestConnectPrunesOrphans(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"0000000000-0000000099",
		"0000000100-0000000120",
		"0000000090-0000000110",
		".0000000121-0000000130.tmp-123",
		"README",
	} {
		if err := os.Mkdir(filepath.Join(dir, name), 0755); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(dir, StatusFile), []byte("120\n0x78"), 0644)

	s := newTestStore(t, dir)
	relational := chain.Head{Height: 99, Hash: "0x63"}
	state, err := s.Connect(relational)
	if err != nil {
		t.Fatal(err)
	}
	if state != relational {
		t.Fatalf("state = %v, want %v", state, relational)
	}

	got := strings.Join(listDir(t, dir), ",")
	if got != "0000000000-0000000099,README,status.txt" {
		t.Fatalf("entries after prune: %s", got)
	}
	status, _ := os.ReadFile(filepath.Join(dir, StatusFile))
	if string(status) != "99\n0x63" {
		t.Fatalf("status.txt = %q", status)
	}
}

func TestCheckStatusForeignWriter(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)
	connect(t, s, chain.Genesis())
	if err := s.CheckStatus(); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, StatusFile), []byte("5\n0x05"), 0644)
	if err := s.CheckStatus(); !errors.Is(err, chain.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
}

func TestStatusHooks(t *testing.T) {
	var written []chain.Head
	stored := chain.Head{Height: 3, Hash: "0x03"}
	hooks := StatusHooks{
		Read: func(Dest) (chain.Head, bool, error) { return stored, true, nil },
		Update: func(_ Dest, next chain.Head, _ *chain.Head) error {
			written = append(written, next)
			stored = next
			return nil
		},
	}
	s := newTestStore(t, t.TempDir(), WithStatusHooks(hooks))
	connect(t, s, chain.Head{Height: 3, Hash: "0x03"})
	if err := s.Flush(context.Background(), chain.Head{Height: 4, Hash: "0x04"}, stage(t, s, 1)); err != nil {
		t.Fatal(err)
	}
	if len(written) != 1 || written[0].Height != 4 {
		t.Fatalf("hooks saw %v", written)
	}
}

func TestHotPending(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	connect(t, s, chain.Genesis())

	for h := int64(0); h < 4; h++ {
		s.Hold(h, stage(t, s, int(h)+1))
	}
	s.Discard(2)
	if s.Pending() != 3 {
		t.Fatalf("pending = %d", s.Pending())
	}
	c := s.Finalize(1)
	if c.Rows() != 3 {
		t.Fatalf("finalized rows = %d, want 3", c.Rows())
	}
	if s.Pending() != 1 {
		t.Fatalf("pending after finalize = %d", s.Pending())
	}
}
