// Package chain holds the block and head types shared by both sinks and the
// errors that describe an invalid chain state.
package chain

import (
	"errors"
	"fmt"
)

// GenesisHash marks the pre-genesis checkpoint.
const GenesisHash = "0x"

var (
	// ErrConcurrencyConflict means another writer moved the checkpoint.
	ErrConcurrencyConflict = errors.New("concurrency conflict: checkpoint changed by a foreign writer")
	// ErrChainContinuity means stored hot blocks do not form a chain.
	ErrChainContinuity = errors.New("hot blocks do not form a continuous chain")
	// ErrInvalidTransition means a commit would not move the head forward.
	ErrInvalidTransition = errors.New("invalid head transition")
)

type Head struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

// Genesis is the checkpoint before any block has been committed.
func Genesis() Head { return Head{Height: -1, Hash: GenesisHash} }

func (h Head) String() string { return fmt.Sprintf("%d#%s", h.Height, shortHash(h.Hash)) }

func shortHash(h string) string {
	if len(h) <= 10 {
		return h
	}
	return h[:10]
}

type Log struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
	Topic   string `json:"topic"`
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  string `json:"amount"`
	TxHash  string `json:"txHash"`
}

type Block struct {
	Height     int64  `json:"height"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  int64  `json:"timestamp"`
	Logs       []Log  `json:"logs,omitempty"`
}

func (b *Block) Head() Head { return Head{Height: b.Height, Hash: b.Hash} }

// FinalTxInfo describes a commit of finalized blocks.
type FinalTxInfo struct {
	PrevHead Head
	NextHead Head
	// IsOnTop is set when NextHead is the tip of the source.
	IsOnTop bool
}

// HotTxInfo describes a commit of unfinalized blocks on top of BaseHead.
type HotTxInfo struct {
	FinalizedHead Head
	BaseHead      Head
	NewBlocks     []Head
}

// CheckTransition validates a final commit from prev to next.
func CheckTransition(prev, next Head) error {
	if prev.Height >= next.Height {
		return fmt.Errorf("%w: height %d does not exceed %d", ErrInvalidTransition, next.Height, prev.Height)
	}
	if prev.Hash == next.Hash {
		return fmt.Errorf("%w: hash %s unchanged", ErrInvalidTransition, next.Hash)
	}
	return nil
}

// CheckContinuity verifies that top starts right above base and has no gaps.
func CheckContinuity(base Head, top []Head) error {
	expected := base.Height + 1
	for _, h := range top {
		if h.Height != expected {
			return fmt.Errorf("%w: expected height %d, found %d", ErrChainContinuity, expected, h.Height)
		}
		expected++
	}
	return nil
}

// CheckHotTx validates a hot commit against the finalized checkpoint and the
// currently stored hot blocks.
func CheckHotTx(finalized Head, top []Head, info HotTxInfo) error {
	base := info.BaseHead
	switch {
	case base.Height < finalized.Height:
		return fmt.Errorf("%w: base %s below finalized %s", ErrInvalidTransition, base, finalized)
	case base.Height == finalized.Height:
		if base.Hash != finalized.Hash {
			return fmt.Errorf("%w: base %s does not match finalized %s", ErrConcurrencyConflict, base, finalized)
		}
	default:
		i := int(base.Height - finalized.Height - 1)
		if i >= len(top) || top[i].Hash != base.Hash {
			return fmt.Errorf("%w: base %s is not a stored hot block", ErrConcurrencyConflict, base)
		}
	}
	if err := CheckContinuity(base, info.NewBlocks); err != nil {
		return err
	}
	if info.FinalizedHead.Height < finalized.Height {
		return fmt.Errorf("%w: finalized head moved back to %s", ErrInvalidTransition, info.FinalizedHead)
	}
	tip := base.Height
	if n := len(info.NewBlocks); n > 0 {
		tip = info.NewBlocks[n-1].Height
	}
	if info.FinalizedHead.Height > tip {
		return fmt.Errorf("%w: finalized head %s above tip %d", ErrInvalidTransition, info.FinalizedHead, tip)
	}
	return nil
}
