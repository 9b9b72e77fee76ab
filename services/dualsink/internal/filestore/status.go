package filestore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/greymass/dualsink/services/dualsink/internal/chain"
)

const StatusFile = "status.txt"

// StatusHooks read and write the file sink's record of its highest block.
// Read reports ok=false when no record exists yet.
type StatusHooks struct {
	Read   func(d Dest) (head chain.Head, ok bool, err error)
	Update func(d Dest, next chain.Head, prev *chain.Head) error
}

// DefaultStatusHooks keep "height\nhash" in status.txt.
var DefaultStatusHooks = StatusHooks{
	Read:   readStatusFile,
	Update: writeStatusFile,
}

func readStatusFile(d Dest) (chain.Head, bool, error) {
	exists, err := d.Exists(StatusFile)
	if err != nil || !exists {
		return chain.Head{}, false, err
	}
	data, err := d.ReadFile(StatusFile)
	if err != nil {
		return chain.Head{}, false, err
	}
	head, err := parseStatus(string(data))
	if err != nil {
		return chain.Head{}, false, fmt.Errorf("%s: %w", StatusFile, err)
	}
	return head, true, nil
}

func parseStatus(s string) (chain.Head, error) {
	heightStr, hash, _ := strings.Cut(s, "\n")
	height, err := strconv.ParseInt(strings.TrimSpace(heightStr), 10, 64)
	if err != nil {
		return chain.Head{}, fmt.Errorf("invalid height %q", heightStr)
	}
	hash = strings.TrimSpace(hash)
	if hash == "" {
		hash = chain.GenesisHash
	}
	return chain.Head{Height: height, Hash: hash}, nil
}

func writeStatusFile(d Dest, next chain.Head, _ *chain.Head) error {
	return d.WriteFile(StatusFile, []byte(strconv.FormatInt(next.Height, 10)+"\n"+next.Hash))
}
