package database

import (
	"github.com/greymass/dualsink/services/dualsink/internal/entities"
	"github.com/greymass/dualsink/services/dualsink/internal/filestore"
)

// ErrLateWrite is returned when a Store, or the entity manager it handed
// out, is used after the callback it was handed to has returned.
var ErrLateWrite = entities.ErrLateWrite

// Store is what mapping code sees during one callback: the batch's entity
// manager and a writer per registered table. It is valid only until the
// callback returns.
type Store struct {
	manager *entities.Manager
	staged  *filestore.Chunk
	closed  bool
	force   bool
}

func newStore(manager *entities.Manager, staged *filestore.Chunk) *Store {
	return &Store{manager: manager, staged: staged}
}

// Entities returns the batch's entity manager.
func (s *Store) Entities() (*entities.Manager, error) {
	if s.closed {
		return nil, ErrLateWrite
	}
	return s.manager, nil
}

func (s *Store) Table(t *filestore.Table) *TableHandle {
	return &TableHandle{store: s, table: t}
}

// ForceFlush asks for the file sink to be flushed when this batch commits.
func (s *Store) ForceFlush() error {
	if s.closed {
		return ErrLateWrite
	}
	s.force = true
	return nil
}

func (s *Store) close() { s.closed = true }

type TableHandle struct {
	store *Store
	table *filestore.Table
}

func (h *TableHandle) writer() (*filestore.TableWriter, error) {
	if h.store.closed {
		return nil, ErrLateWrite
	}
	return h.store.staged.Writer(h.table)
}

func (h *TableHandle) Write(row any) error {
	w, err := h.writer()
	if err != nil {
		return err
	}
	return w.Write(row)
}

func (h *TableHandle) WriteMany(rows ...any) error {
	w, err := h.writer()
	if err != nil {
		return err
	}
	return w.WriteMany(rows...)
}
