package filestore

import (
	"errors"
	"fmt"
)

var ErrUnknownTable = errors.New("unknown table")

// Chunk holds one writer per registered table.
type Chunk struct {
	tables  []*Table
	writers map[*Table]*TableWriter
}

func newChunk(tables []*Table) *Chunk {
	c := &Chunk{tables: tables, writers: make(map[*Table]*TableWriter, len(tables))}
	for _, t := range tables {
		c.writers[t] = newTableWriter(t)
	}
	return c
}

func (c *Chunk) Writer(t *Table) (*TableWriter, error) {
	w, ok := c.writers[t]
	if !ok {
		name := "<nil>"
		if t != nil {
			name = t.name
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return w, nil
}

func (c *Chunk) Size() int {
	n := 0
	for _, w := range c.writers {
		n += w.Size()
	}
	return n
}

func (c *Chunk) Rows() int {
	n := 0
	for _, w := range c.writers {
		n += w.rows
	}
	return n
}

func (c *Chunk) Empty() bool { return c.Size() == 0 }

func (c *Chunk) merge(o *Chunk) {
	if o == nil {
		return
	}
	for _, t := range c.tables {
		c.writers[t].appendFrom(o.writers[t])
	}
}

func (c *Chunk) reset() {
	for _, w := range c.writers {
		w.reset()
	}
}
