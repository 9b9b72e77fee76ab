package filestore

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/greymass/dualsink/libraries/enforce"
)

var folderPattern = regexp.MustCompile(`^(\d+)-(\d+)$`)

// FolderName names the chunk covering the inclusive range [from, to].
func FolderName(from, to int64) string {
	enforce.ENFORCE(from >= 0 && from <= to, "chunk range ", from, "-", to)
	return fmt.Sprintf("%010d-%010d", from, to)
}

// ParseFolderName returns the range of a chunk folder name. ok is false for
// anything that is not a chunk folder.
func ParseFolderName(name string) (from, to int64, ok bool) {
	m := folderPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	from, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	to, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return from, to, true
}
