// Package hotdb is the relational sink: the checkpoint status row, the hot
// block list with its change log, and the entity rows derived by mapping code.
//
// Two backends implement Driver. PostgresDriver is the production backend;
// PebbleDriver is an embedded single-writer backend used for local runs and
// tests.
package hotdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/greymass/dualsink/services/dualsink/internal/chain"
)

// BatchSize bounds the rows sent in one statement batch.
const BatchSize = 1000

// ErrSerializationFailure marks a transaction aborted by the isolation level.
// It is the only error class RunSerializable callers retry.
var ErrSerializationFailure = errors.New("serialization failure")

func IsSerializationFailure(err error) bool {
	return errors.Is(err, ErrSerializationFailure)
}

type Status struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
	Nonce  uint32 `json:"nonce"`
}

func (s Status) Head() chain.Head { return chain.Head{Height: s.Height, Hash: s.Hash} }

// State is the finalized checkpoint plus the hot blocks above it, ascending.
type State struct {
	Status
	Top []chain.Head
}

// Tip is the highest known head, hot or finalized.
func (s State) Tip() chain.Head {
	if n := len(s.Top); n > 0 {
		return s.Top[n-1]
	}
	return s.Head()
}

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one hot_change_log record. Before holds the prior row for
// updates and deletes.
type Change struct {
	Op     Op              `json:"op"`
	Kind   string          `json:"kind"`
	ID     string          `json:"id"`
	Before json.RawMessage `json:"before,omitempty"`
}

// Mutation is a net entity change produced by one batch.
type Mutation struct {
	Op     Op
	Kind   string
	ID     string
	Before []byte
	After  []byte
}

func (m Mutation) Change() Change {
	c := Change{Op: m.Op, Kind: m.Kind, ID: m.ID}
	if m.Op != OpInsert {
		c.Before = json.RawMessage(m.Before)
	}
	return c
}

type Row struct {
	ID   string
	Data []byte
}

// Tx is one serializable transaction against the relational sink.
type Tx interface {
	ReadState(ctx context.Context) (State, error)
	// UpdateStatus moves the checkpoint to head if the stored nonce still
	// equals nonce, incrementing it. Otherwise chain.ErrConcurrencyConflict.
	UpdateStatus(ctx context.Context, nonce uint32, head chain.Head) error

	InsertHotBlock(ctx context.Context, head chain.Head) error
	// DeleteHotBlock also removes the block's change log.
	DeleteHotBlock(ctx context.Context, height int64) error
	ChangeLog(ctx context.Context, height int64) ([]Change, error)
	AppendChangeLog(ctx context.Context, height int64, changes []Change) error

	LoadEntities(ctx context.Context, kind string, ids []string) (map[string][]byte, error)
	PutEntities(ctx context.Context, kind string, rows []Row) error
	DeleteEntities(ctx context.Context, kind string, ids []string) error
}

type Driver interface {
	// Connect prepares the schema, creates the genesis status row if missing
	// and returns the current state.
	Connect(ctx context.Context) (State, error)
	ReadState(ctx context.Context) (State, error)
	// RunSerializable runs fn in one transaction and commits it if fn
	// succeeds. Serialization conflicts are wrapped in ErrSerializationFailure.
	RunSerializable(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Persist writes net entity mutations: upserts for inserts and updates,
// deletes for deletes, grouped per kind in first-seen order.
func Persist(ctx context.Context, tx Tx, muts []Mutation) error {
	type group struct {
		puts    []Row
		deletes []string
	}
	var order []string
	groups := make(map[string]*group)
	for _, m := range muts {
		g, ok := groups[m.Kind]
		if !ok {
			g = &group{}
			groups[m.Kind] = g
			order = append(order, m.Kind)
		}
		if m.Op == OpDelete {
			g.deletes = append(g.deletes, m.ID)
		} else {
			g.puts = append(g.puts, Row{ID: m.ID, Data: m.After})
		}
	}

	for _, kind := range order {
		g := groups[kind]
		for start := 0; start < len(g.puts); start += BatchSize {
			end := min(start+BatchSize, len(g.puts))
			if err := tx.PutEntities(ctx, kind, g.puts[start:end]); err != nil {
				return fmt.Errorf("upsert %s: %w", kind, err)
			}
		}
		for start := 0; start < len(g.deletes); start += BatchSize {
			end := min(start+BatchSize, len(g.deletes))
			if err := tx.DeleteEntities(ctx, kind, g.deletes[start:end]); err != nil {
				return fmt.Errorf("delete %s: %w", kind, err)
			}
		}
	}
	return nil
}

// Changes converts mutations into change log records in the same order.
func Changes(muts []Mutation) []Change {
	out := make([]Change, len(muts))
	for i, m := range muts {
		out[i] = m.Change()
	}
	return out
}
