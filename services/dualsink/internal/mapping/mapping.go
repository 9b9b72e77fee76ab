// Package mapping turns token transfer logs into account balances in the
// relational sink and transfer and block rows in the file sink.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/greymass/dualsink/libraries/logger"
	"github.com/greymass/dualsink/services/dualsink/internal/chain"
	"github.com/greymass/dualsink/services/dualsink/internal/database"
	"github.com/greymass/dualsink/services/dualsink/internal/entities"
	"github.com/greymass/dualsink/services/dualsink/internal/filestore"
	"github.com/holiman/uint256"
)

// TransferTopic is the ERC-20 Transfer(address,address,uint256) event.
const TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// ZeroAddress is the sender of mints and the recipient of burns.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

var (
	ErrInsufficientBalance = errors.New("transfer exceeds sender balance")
	ErrBalanceOverflow     = errors.New("balance overflows uint256")
)

type Account struct {
	ID         string `json:"id"`
	Token      string `json:"token"`
	Holder     string `json:"holder"`
	Balance    string `json:"balance"`
	Transfers  int64  `json:"transfers"`
	FirstBlock int64  `json:"firstBlock"`
	LastBlock  int64  `json:"lastBlock"`
}

// AccountID keys balances by token and holder.
func AccountID(token, holder string) string {
	return strings.ToLower(token) + ":" + strings.ToLower(holder)
}

var Accounts = entities.NewType("account",
	func() *Account { return &Account{} },
	func(a *Account) string { return a.ID },
)

type TransferRow struct {
	Block     int64  `json:"block"`
	Timestamp int64  `json:"timestamp"`
	TxHash    string `json:"txHash"`
	LogIndex  int    `json:"logIndex"`
	Token     string `json:"token"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
}

var transferColumns = []string{"block", "timestamp", "txHash", "logIndex", "token", "from", "to", "amount"}

func (r TransferRow) Record() []string {
	return []string{
		strconv.FormatInt(r.Block, 10),
		strconv.FormatInt(r.Timestamp, 10),
		r.TxHash,
		strconv.Itoa(r.LogIndex),
		r.Token,
		r.From,
		r.To,
		r.Amount,
	}
}

type BlockRow struct {
	Height     int64  `json:"height"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  int64  `json:"timestamp"`
	Transfers  int    `json:"transfers"`
}

var blockColumns = []string{"height", "hash", "parentHash", "timestamp", "transfers"}

func (r BlockRow) Record() []string {
	return []string{
		strconv.FormatInt(r.Height, 10),
		r.Hash,
		r.ParentHash,
		strconv.FormatInt(r.Timestamp, 10),
		strconv.Itoa(r.Transfers),
	}
}

type Tables struct {
	Transfers *filestore.Table
	Blocks    *filestore.Table
}

// NewTables declares the output tables in format, zstd compressed at level
// when level is above zero.
func NewTables(format filestore.Format, level int) Tables {
	return Tables{
		Transfers: filestore.NewTable("transfers", format,
			filestore.WithColumns(transferColumns...), filestore.WithCompression(level)),
		Blocks: filestore.NewTable("blocks", format,
			filestore.WithColumns(blockColumns...), filestore.WithCompression(level)),
	}
}

func (t Tables) All() []*filestore.Table {
	return []*filestore.Table{t.Transfers, t.Blocks}
}

type Mapper struct {
	tables Tables
}

func New(tables Tables) *Mapper {
	return &Mapper{tables: tables}
}

func isTransfer(l chain.Log) bool {
	return l.Topic == "" || strings.EqualFold(l.Topic, TransferTopic)
}

// parseAmount accepts decimal or 0x hex. Hex log data is usually zero padded
// to 32 bytes, which uint256.FromHex rejects, so it goes through big.Int.
func parseAmount(s string) (*uint256.Int, error) {
	if s == "" || s[0] == '-' {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return uint256.FromDecimal(s)
	}
	b, ok := new(big.Int).SetString(s[2:], 16)
	if !ok || b.Sign() < 0 {
		return nil, fmt.Errorf("invalid hex amount %q", s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("amount %q overflows 256 bits", s)
	}
	return v, nil
}

// Batch maps blocks in order. All touched accounts are loaded in one round
// trip before any transfer is applied.
func (m *Mapper) Batch(ctx context.Context, s *database.Store, blocks []chain.Block) error {
	em, err := s.Entities()
	if err != nil {
		return err
	}

	for _, b := range blocks {
		for _, l := range b.Logs {
			if !isTransfer(l) {
				continue
			}
			if err := entities.Defer(em, Accounts, AccountID(l.Address, l.From), AccountID(l.Address, l.To)); err != nil {
				return err
			}
		}
	}
	if _, err := entities.Load(ctx, em, Accounts); err != nil {
		return err
	}

	transfers := s.Table(m.tables.Transfers)
	blockRows := s.Table(m.tables.Blocks)
	for _, b := range blocks {
		n := 0
		for _, l := range b.Logs {
			if !isTransfer(l) {
				continue
			}
			amount, err := parseAmount(l.Amount)
			if err != nil {
				return fmt.Errorf("block %d log %d: amount %q: %w", b.Height, l.Index, l.Amount, err)
			}
			if !strings.EqualFold(l.From, ZeroAddress) {
				if err := m.apply(em, l.Address, l.From, b.Height, amount, true); err != nil {
					return fmt.Errorf("block %d log %d: %w", b.Height, l.Index, err)
				}
			}
			if !strings.EqualFold(l.To, ZeroAddress) {
				if err := m.apply(em, l.Address, l.To, b.Height, amount, false); err != nil {
					return fmt.Errorf("block %d log %d: %w", b.Height, l.Index, err)
				}
			}
			err = transfers.Write(TransferRow{
				Block:     b.Height,
				Timestamp: b.Timestamp,
				TxHash:    l.TxHash,
				LogIndex:  l.Index,
				Token:     strings.ToLower(l.Address),
				From:      strings.ToLower(l.From),
				To:        strings.ToLower(l.To),
				Amount:    amount.Dec(),
			})
			if err != nil {
				return err
			}
			n++
		}
		err := blockRows.Write(BlockRow{
			Height:     b.Height,
			Hash:       b.Hash,
			ParentHash: b.ParentHash,
			Timestamp:  b.Timestamp,
			Transfers:  n,
		})
		if err != nil {
			return err
		}
	}
	if len(blocks) > 0 && logger.IsCategoryEnabled("debug-entities") {
		vals, _ := entities.Values(em, Accounts)
		logger.Printf("debug-entities", "Blocks %d-%d touched %d accounts",
			blocks[0].Height, blocks[len(blocks)-1].Height, len(vals))
	}
	return nil
}

// Block maps a single block, as used for hot blocks.
func (m *Mapper) Block(ctx context.Context, s *database.Store, b chain.Block) error {
	return m.Batch(ctx, s, []chain.Block{b})
}

func (m *Mapper) apply(em *entities.Manager, token, holder string, height int64, amount *uint256.Int, debit bool) error {
	id := AccountID(token, holder)
	acc, ok, err := entities.Get(em, Accounts, id, true)
	if err != nil {
		return err
	}
	if !ok {
		acc = &Account{
			ID:         id,
			Token:      strings.ToLower(token),
			Holder:     strings.ToLower(holder),
			Balance:    "0",
			FirstBlock: height,
		}
		if err := entities.Add(em, Accounts, acc); err != nil {
			return err
		}
	}
	balance, err := uint256.FromDecimal(acc.Balance)
	if err != nil {
		return fmt.Errorf("account %s: stored balance %q: %w", id, acc.Balance, err)
	}
	if debit {
		if balance.Lt(amount) {
			return fmt.Errorf("%w: %s holds %s, sends %s", ErrInsufficientBalance, id, balance.Dec(), amount.Dec())
		}
		balance.Sub(balance, amount)
	} else if _, overflow := balance.AddOverflow(balance, amount); overflow {
		return fmt.Errorf("%w: %s holds %s, receives %s", ErrBalanceOverflow, id, acc.Balance, amount.Dec())
	}
	acc.Balance = balance.Dec()
	acc.Transfers++
	acc.LastBlock = height
	return nil
}
