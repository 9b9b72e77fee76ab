package hotdb

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble/v2"
	"github.com/greymass/dualsink/libraries/logger"
)

type pebbleLogger struct{}

var pebbleNoise = []string{
	"sstable created",
	"sstable deleted",
	"WAL created",
	"WAL deleted",
	"MANIFEST created",
	"MANIFEST deleted",
	"all initial table stats loaded",
	"compacting",
	"flushing",
}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	for _, noise := range pebbleNoise {
		if strings.Contains(msg, noise) {
			return
		}
	}
	if idx := strings.Index(msg, "replayed"); idx != -1 {
		logger.Printf("pebble", "WAL recovery: %s", msg[idx:])
		return
	}
	logger.Printf("debug-pebble", "%s", msg)
}

func (pebbleLogger) Errorf(format string, args ...interface{}) {
	logger.Error("pebble: "+format, args...)
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	logger.Fatal("pebble: "+format, args...)
}

func pebbleEvents() *pebble.EventListener {
	return &pebble.EventListener{
		WriteStallBegin: func(info pebble.WriteStallBeginInfo) {
			logger.Warning("pebble write stall: %s", info.Reason)
		},
		WriteStallEnd: func() {
			logger.Printf("pebble", "Write stall ended")
		},
		BackgroundError: func(err error) {
			logger.Error("pebble background error: %v", err)
		},
	}
}
