// Package source reads blocks from newline-delimited JSON files, optionally
// zstd compressed, from a directory of such files or from a block server.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/greymass/dualsink/libraries/compression"
	"github.com/greymass/dualsink/libraries/encoding"
	"github.com/greymass/dualsink/libraries/logger"
	"github.com/greymass/dualsink/libraries/strategy"
	"github.com/greymass/dualsink/services/dualsink/internal/chain"
	"github.com/greymass/dualsink/services/dualsink/internal/metrics"
)

var (
	ErrNoBlocks = errors.New("source has no blocks")
	ErrGap      = errors.New("source blocks are not contiguous")
)

// Source yields blocks in height order.
type Source interface {
	// Head is the highest block the source currently holds.
	Head(ctx context.Context) (chain.Head, error)
	// Blocks returns up to max blocks starting at height from.
	Blocks(ctx context.Context, from int64, max int) ([]chain.Block, error)
	Close() error
}

// Open picks a reader for path: a block server URL, a directory, a zstd
// file or a plain JSONL file.
func Open(ctx context.Context, path string) (Source, error) {
	src, kind, err := strategy.First(ctx, path,
		strategy.Strategy[string, Source]{Name: "http", Try: tryHTTP},
		strategy.Strategy[string, Source]{Name: "directory", Try: tryDirectory},
		strategy.Strategy[string, Source]{Name: "zstd", Try: tryZstd},
		strategy.Strategy[string, Source]{Name: "jsonl", Try: tryJSONL},
	)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", path, err)
	}
	logger.Printf("startup", "Opened %s block source %s", kind, path)
	return src, nil
}

func tryDirectory(_ context.Context, path string) (Source, bool, error) {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return nil, false, err
	}
	s := &fileSource{path: path, list: listDirectory}
	return s, true, s.reload()
}

func tryZstd(_ context.Context, path string) (Source, bool, error) {
	if !strings.HasSuffix(path, compression.ZstdSuffix) {
		f, err := os.Open(path)
		if err != nil {
			return nil, false, err
		}
		defer f.Close()
		magic := make([]byte, 4)
		if _, err := io.ReadFull(f, magic); err != nil || !compression.IsZstd(magic) {
			return nil, false, nil
		}
	}
	s := &fileSource{path: path, list: singleFile}
	return s, true, s.reload()
}

func tryJSONL(_ context.Context, path string) (Source, bool, error) {
	s := &fileSource{path: path, list: singleFile}
	return s, true, s.reload()
}

func singleFile(path string) ([]string, error) { return []string{path}, nil }

// listDirectory returns the block files in path sorted by name.
func listDirectory(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		trimmed := strings.TrimSuffix(name, compression.ZstdSuffix)
		if strings.HasSuffix(trimmed, ".jsonl") || strings.HasSuffix(trimmed, ".ndjson") {
			files = append(files, filepath.Join(path, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// fileSource keeps the decoded blocks in memory and reloads them when the
// underlying files change, so an appended file is picked up by Head.
type fileSource struct {
	path string
	list func(string) ([]string, error)

	mu     sync.Mutex
	blocks []chain.Block
	stamp  string
}

func (s *fileSource) Head(ctx context.Context) (chain.Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(); err != nil {
		return chain.Head{}, err
	}
	if len(s.blocks) == 0 {
		return chain.Head{}, ErrNoBlocks
	}
	return s.blocks[len(s.blocks)-1].Head(), nil
}

func (s *fileSource) Blocks(ctx context.Context, from int64, max int) ([]chain.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blocks) == 0 || max <= 0 {
		return nil, nil
	}
	first := s.blocks[0].Height
	if from < first {
		return nil, fmt.Errorf("%w: block %d requested, source starts at %d", ErrGap, from, first)
	}
	i := int(from - first)
	if i >= len(s.blocks) {
		return nil, nil
	}
	end := min(i+max, len(s.blocks))
	out := append([]chain.Block(nil), s.blocks[i:end]...)
	metrics.SourceBlocks.Add(float64(len(out)))
	return out, nil
}

func (s *fileSource) Close() error { return nil }

func (s *fileSource) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh()
}

// refresh rereads every file when any of their sizes or modification
// times changed since the last read.
func (s *fileSource) refresh() error {
	files, err := s.list(s.path)
	if err != nil {
		return err
	}
	var stamp strings.Builder
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(&stamp, "%s:%d:%d;", f, fi.Size(), fi.ModTime().UnixNano())
	}
	if stamp.String() == s.stamp {
		return nil
	}

	start := time.Now()
	var blocks []chain.Block
	for _, f := range files {
		bs, err := readFile(f)
		if err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		blocks = append(blocks, bs...)
	}
	if err := checkSequence(blocks); err != nil {
		return err
	}
	s.blocks = blocks
	s.stamp = stamp.String()
	logger.Printf("debug", "Loaded %s blocks from %s in %v", logger.FormatCount(int64(len(blocks))), s.path,
		time.Since(start).Round(time.Millisecond))
	return nil
}

func readFile(path string) ([]chain.Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, _ := br.Peek(4); compression.IsZstd(magic) {
		zr, err := compression.NewZstdReader(br)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	return Decode(r)
}

// Decode parses one block per line. Blank lines are skipped.
func Decode(r io.Reader) ([]chain.Block, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	var blocks []chain.Block
	line := 0
	for sc.Scan() {
		line++
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		b, err := decodeBlock(data)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, sc.Err()
}

type rawLog struct {
	Index   any    `json:"index"`
	Address string `json:"address"`
	Topic   string `json:"topic"`
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  any    `json:"amount"`
	TxHash  string `json:"txHash"`
}

type rawBlock struct {
	Height     any      `json:"height"`
	Number     any      `json:"number"`
	Hash       string   `json:"hash"`
	ParentHash string   `json:"parentHash"`
	Timestamp  any      `json:"timestamp"`
	Logs       []rawLog `json:"logs"`
}

// decodeBlock accepts heights and timestamps as numbers, decimal strings or
// 0x-prefixed hex, under either "height" or "number".
func decodeBlock(data []byte) (chain.Block, error) {
	var raw rawBlock
	if err := encoding.JSONiter.Unmarshal(data, &raw); err != nil {
		return chain.Block{}, err
	}
	return fromRaw(raw)
}

func fromRaw(raw rawBlock) (chain.Block, error) {
	height := raw.Height
	if height == nil {
		height = raw.Number
	}
	h, ok := encoding.MaybeGetInt64(height)
	if !ok || h < 0 {
		return chain.Block{}, fmt.Errorf("invalid block height %v", height)
	}
	if raw.Hash == "" {
		return chain.Block{}, fmt.Errorf("block %d has no hash", h)
	}
	b := chain.Block{Height: h, Hash: raw.Hash, ParentHash: raw.ParentHash}
	if raw.Timestamp != nil {
		ts, ok := encoding.MaybeGetInt64(raw.Timestamp)
		if !ok {
			return chain.Block{}, fmt.Errorf("block %d: invalid timestamp %v", h, raw.Timestamp)
		}
		b.Timestamp = ts
	}
	for i, l := range raw.Logs {
		idx := int64(i)
		if l.Index != nil {
			if idx, ok = encoding.MaybeGetInt64(l.Index); !ok {
				return chain.Block{}, fmt.Errorf("block %d: invalid log index %v", h, l.Index)
			}
		}
		amount := ""
		if l.Amount != nil {
			amount = fmt.Sprint(l.Amount)
		}
		b.Logs = append(b.Logs, chain.Log{
			Index:   int(idx),
			Address: l.Address,
			Topic:   l.Topic,
			From:    l.From,
			To:      l.To,
			Amount:  amount,
			TxHash:  l.TxHash,
		})
	}
	return b, nil
}

func checkSequence(blocks []chain.Block) error {
	for i := 1; i < len(blocks); i++ {
		prev, cur := blocks[i-1], blocks[i]
		if cur.Height != prev.Height+1 {
			return fmt.Errorf("%w: block %d follows %d", ErrGap, cur.Height, prev.Height)
		}
		if cur.ParentHash != "" && cur.ParentHash != prev.Hash {
			return fmt.Errorf("%w: block %d parent %s does not match %s", ErrGap, cur.Height, cur.ParentHash, prev.Hash)
		}
	}
	return nil
}
