package internal

import (
	"fmt"
	"time"

	"github.com/greymass/dualsink/services/dualsink/internal/filestore"
)

type Config struct {
	// Relational sink
	RelationalBackend string `name:"relational-backend" alias:"backend" default:"pebble" help:"Relational sink backend: postgres or pebble"`
	DatabaseURL       string `name:"database-url" env:"DATABASE_URL" help:"PostgreSQL connection URL (postgres backend)"`
	Schema            string `default:"squid_processor" help:"PostgreSQL schema holding the status, hot block and entity tables"`
	MaxConns          int    `name:"max-conns" default:"4" help:"PostgreSQL pool size"`
	PebblePath        string `name:"pebble-path" alias:"path" default:"./dualsink.db" help:"Pebble database path (pebble backend)"`
	PebbleCacheSizeMB int64  `name:"pebble-cache-size-mb" default:"64" help:"Pebble block cache size in MB"`
	CommitRetries     int    `name:"commit-retries" default:"3" help:"Attempts per relational commit on serialization failures"`

	// File sink
	OutputDir        string `name:"output-dir" required:"true" env:"DUALSINK_OUTPUT_DIR" help:"Directory receiving chunk folders and status.txt"`
	ChunkSizeMB      int    `name:"chunk-size-mb" default:"20" help:"Flush the file sink once this many MB are buffered"`
	SyncInterval     int64  `name:"sync-interval" default:"0" help:"Flush the file sink at least every N blocks (0 = size and force only)"`
	TableFormat      string `name:"table-format" default:"jsonl" help:"Table file format: jsonl or csv"`
	CompressionLevel int    `name:"compression-level" default:"0" help:"zstd level for table files (0 = uncompressed)"`

	// Sync
	Source               string        `required:"true" env:"DUALSINK_SOURCE" help:"Block source: a .jsonl or .jsonl.zst file, a directory of them, or a block server URL (http, https or unix)"`
	BatchSize            int           `name:"batch-size" default:"100" help:"Maximum blocks per commit"`
	FinalityConfirmation int64         `name:"finality-confirmation" default:"10" help:"Blocks below the source head that count as final"`
	HotBlocks            bool          `name:"hot-blocks" help:"Also commit unfinalized blocks, rolling them back on reorgs"`
	PollInterval         time.Duration `name:"poll-interval" default:"1s" help:"Wait between source polls when caught up"`
	StopAtHead           bool          `name:"stop-at-head" help:"Exit once every final block is committed"`

	// Server
	HTTPListen    string `name:"http-listen" default:"none" help:"Status endpoint address or socket ('none' to disable)"`
	MetricsListen string `name:"metrics-listen" default:"none" help:"Metrics endpoint address (e.g., 'localhost:9090' or '/path/to/metrics.sock')"`

	// Logging and debugging
	Debug       bool          `help:"Enable debug logging (all categories)"`
	DebugSQL    bool          `name:"debug-sql" help:"Log every SQL statement (postgres backend)"`
	LogFilter   []string      `name:"log-filter" default:"startup,sync,commit,flush,rollback,pebble,enforce" help:"Log category filter (comma-separated)"`
	LogInterval time.Duration `name:"log-interval" default:"3s" help:"Sync progress log interval"`
	LogFile     string        `name:"log-file" help:"Log output file path (logs to both stdout and file when set)"`

	// Profiling
	Profile         bool          `help:"Log the hottest functions from periodic CPU profiles"`
	ProfileInterval time.Duration `name:"profile-interval" default:"60s" help:"CPU profile window"`
}

func (c *Config) Validate() error {
	switch c.RelationalBackend {
	case "pebble":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database-url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown relational-backend %q (want postgres or pebble)", c.RelationalBackend)
	}
	if _, err := filestore.ParseFormat(c.TableFormat); err != nil {
		return err
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch-size must be at least 1")
	}
	if c.FinalityConfirmation < 0 {
		return fmt.Errorf("finality-confirmation cannot be negative")
	}
	if c.ChunkSizeMB < 1 {
		return fmt.Errorf("chunk-size-mb must be at least 1")
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 22 {
		return fmt.Errorf("compression-level must be between 0 and 22")
	}
	return nil
}
