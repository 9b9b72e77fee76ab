package hotdb

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/greymass/dualsink/libraries/logger"
	"github.com/jackc/pgx/v5/tracelog"
)

// sqlLogger routes pgx trace output into the debug-sql category.
type sqlLogger struct{}

func (sqlLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(compactSQL(data[k]))
	}

	if level <= tracelog.LogLevelError && level != tracelog.LogLevelNone {
		logger.Error("sql: %s", b.String())
		return
	}
	logger.Printf("debug-sql", "%s", b.String())
}

func compactSQL(v any) string {
	s, ok := v.(string)
	if !ok {
		return strings.TrimSpace(strings.ReplaceAll(fmt.Sprint(v), "\n", " "))
	}
	return strings.Join(strings.Fields(s), " ")
}
