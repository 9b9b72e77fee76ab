package hotdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/greymass/dualsink/libraries/encoding"
	"github.com/greymass/dualsink/libraries/logger"
	"github.com/greymass/dualsink/services/dualsink/internal/chain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
)

// SQLSTATE serialization_failure.
const serializationFailureCode = "40001"

type PostgresOptions struct {
	URL      string
	Schema   string
	MaxConns int32
}

type tables struct {
	schema, status, hotBlock, changeLog, entity string
}

func newTables(schema string) tables {
	q := func(name string) string { return pgx.Identifier{schema, name}.Sanitize() }
	return tables{
		schema:    pgx.Identifier{schema}.Sanitize(),
		status:    q("status"),
		hotBlock:  q("hot_block"),
		changeLog: q("hot_change_log"),
		entity:    q("entity"),
	}
}

// PostgresDriver keeps the relational sink in PostgreSQL. Every transaction
// runs at SERIALIZABLE isolation.
type PostgresDriver struct {
	pool *pgxpool.Pool
	t    tables
}

func OpenPostgres(ctx context.Context, opts PostgresOptions) (*PostgresDriver, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if logger.IsCategoryEnabled("debug-sql") {
		cfg.ConnConfig.Tracer = &tracelog.TraceLog{Logger: sqlLogger{}, LogLevel: tracelog.LogLevelDebug}
	}
	schema := opts.Schema
	if schema == "" {
		schema = "squid_processor"
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Printf("startup", "Connected to postgres %s:%d/%s (schema %s)",
		cfg.ConnConfig.Host, cfg.ConnConfig.Port, cfg.ConnConfig.Database, schema)
	return &PostgresDriver{pool: pool, t: newTables(schema)}, nil
}

func (d *PostgresDriver) Close() error {
	d.pool.Close()
	return nil
}

func (d *PostgresDriver) schemaDDL() []string {
	t := d.t
	return []string{
		`CREATE SCHEMA IF NOT EXISTS ` + t.schema,
		`CREATE TABLE IF NOT EXISTS ` + t.status + ` (
			id int4 PRIMARY KEY,
			height int8 NOT NULL,
			hash text NOT NULL DEFAULT '0x',
			nonce int8 NOT NULL DEFAULT 0
		)`,
		`INSERT INTO ` + t.status + ` (id, height, hash, nonce) VALUES (0, -1, '0x', 0) ON CONFLICT (id) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS ` + t.hotBlock + ` (
			height int8 PRIMARY KEY,
			hash text NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + t.changeLog + ` (
			block_height int8 NOT NULL REFERENCES ` + t.hotBlock + ` ON DELETE CASCADE,
			index int4 NOT NULL,
			change jsonb NOT NULL,
			PRIMARY KEY (block_height, index)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + t.entity + ` (
			kind text NOT NULL,
			id text NOT NULL,
			data jsonb NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
	}
}

func (d *PostgresDriver) Connect(ctx context.Context) (State, error) {
	var state State
	err := d.RunSerializable(ctx, func(ctx context.Context, tx Tx) error {
		pt := tx.(*pgTx)
		for _, stmt := range d.schemaDDL() {
			if _, err := pt.tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("prepare schema: %w", err)
			}
		}
		var err error
		state, err = tx.ReadState(ctx)
		return err
	})
	if err != nil {
		return State{}, err
	}
	if err := chain.CheckContinuity(state.Head(), state.Top); err != nil {
		return State{}, err
	}
	return state, nil
}

func (d *PostgresDriver) ReadState(ctx context.Context) (State, error) {
	return readPgState(ctx, d.pool, d.t)
}

func (d *PostgresDriver) RunSerializable(ctx context.Context, fn func(context.Context, Tx) error) error {
	err := pgx.BeginTxFunc(ctx, d.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx, t: d.t})
	})
	return classifyPgError(err)
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == serializationFailureCode && !IsSerializationFailure(err) {
		return fmt.Errorf("%w: %w", ErrSerializationFailure, err)
	}
	return err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readPgState(ctx context.Context, q querier, t tables) (State, error) {
	var state State
	var nonce int64
	err := q.QueryRow(ctx, `SELECT height, hash, nonce FROM `+t.status+` WHERE id = 0`).
		Scan(&state.Height, &state.Hash, &nonce)
	if err != nil {
		return State{}, fmt.Errorf("read status: %w", err)
	}
	state.Nonce = uint32(nonce)

	rows, err := q.Query(ctx, `SELECT height, hash FROM `+t.hotBlock+` ORDER BY height`)
	if err != nil {
		return State{}, fmt.Errorf("read hot blocks: %w", err)
	}
	state.Top, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (chain.Head, error) {
		var h chain.Head
		err := row.Scan(&h.Height, &h.Hash)
		return h, err
	})
	if err != nil {
		return State{}, fmt.Errorf("read hot blocks: %w", err)
	}
	return state, nil
}

type pgTx struct {
	tx pgx.Tx
	t  tables
}

func (p *pgTx) ReadState(ctx context.Context) (State, error) {
	return readPgState(ctx, p.tx, p.t)
}

func (p *pgTx) UpdateStatus(ctx context.Context, nonce uint32, head chain.Head) error {
	tag, err := p.tx.Exec(ctx,
		`UPDATE `+p.t.status+` SET height = $1, hash = $2, nonce = nonce + 1 WHERE id = 0 AND nonce = $3`,
		head.Height, head.Hash, int64(nonce))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: status nonce %d no longer current", chain.ErrConcurrencyConflict, nonce)
	}
	return nil
}

func (p *pgTx) InsertHotBlock(ctx context.Context, head chain.Head) error {
	_, err := p.tx.Exec(ctx, `INSERT INTO `+p.t.hotBlock+` (height, hash) VALUES ($1, $2)`, head.Height, head.Hash)
	return err
}

func (p *pgTx) DeleteHotBlock(ctx context.Context, height int64) error {
	_, err := p.tx.Exec(ctx, `DELETE FROM `+p.t.hotBlock+` WHERE height = $1`, height)
	return err
}

func (p *pgTx) ChangeLog(ctx context.Context, height int64) ([]Change, error) {
	rows, err := p.tx.Query(ctx,
		`SELECT change FROM `+p.t.changeLog+` WHERE block_height = $1 ORDER BY index`, height)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Change, error) {
		var raw []byte
		var c Change
		if err := row.Scan(&raw); err != nil {
			return c, err
		}
		err := encoding.JSONiter.Unmarshal(raw, &c)
		return c, err
	})
}

func (p *pgTx) AppendChangeLog(ctx context.Context, height int64, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	var next int32
	err := p.tx.QueryRow(ctx,
		`SELECT coalesce(max(index) + 1, 0) FROM `+p.t.changeLog+` WHERE block_height = $1`, height).Scan(&next)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, c := range changes {
		data, err := encoding.JSONiter.Marshal(c)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO `+p.t.changeLog+` (block_height, index, change) VALUES ($1, $2, $3)`,
			height, next+int32(i), string(data))
		if batch.Len() >= BatchSize {
			if err := p.tx.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
			batch = &pgx.Batch{}
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return p.tx.SendBatch(ctx, batch).Close()
}

func (p *pgTx) LoadEntities(ctx context.Context, kind string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	for start := 0; start < len(ids); start += BatchSize {
		end := min(start+BatchSize, len(ids))
		rows, err := p.tx.Query(ctx,
			`SELECT id, data FROM `+p.t.entity+` WHERE kind = $1 AND id = ANY($2)`, kind, ids[start:end])
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			var data []byte
			if err := rows.Scan(&id, &data); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = data
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *pgTx) PutEntities(ctx context.Context, kind string, rows []Row) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`INSERT INTO `+p.t.entity+` (kind, id, data) VALUES ($1, $2, $3)
			ON CONFLICT (kind, id) DO UPDATE SET data = EXCLUDED.data`, kind, r.ID, string(r.Data))
	}
	return p.tx.SendBatch(ctx, batch).Close()
}

func (p *pgTx) DeleteEntities(ctx context.Context, kind string, ids []string) error {
	_, err := p.tx.Exec(ctx, `DELETE FROM `+p.t.entity+` WHERE kind = $1 AND id = ANY($2)`, kind, ids)
	return err
}
