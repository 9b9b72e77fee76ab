package encoding

import (
	"encoding/json"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var JSONiter = jsoniter.Config{
	EscapeHTML:              false,
	MarshalFloatWith6Digits: false,
	DisallowUnknownFields:   false,
	OnlyTaggedField:         false,
	ValidateJsonRawMessage:  false,
	CaseSensitive:           true,
	UseNumber:               true,
	SortMapKeys:             false,
}.Froze()

// JSONCanonical sorts map keys so equal values always encode to equal bytes.
// Entity change detection compares these encodings.
var JSONCanonical = jsoniter.Config{
	EscapeHTML:             false,
	CaseSensitive:          true,
	UseNumber:              true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// MaybeGetInt64 accepts json.Number, decimal or 0x-prefixed hex strings,
// int64 and integral float64 values.
func MaybeGetInt64(numberish any) (int64, bool) {
	switch n := numberish.(type) {
	case json.Number:
		v, err := n.Int64()
		return v, err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case string:
		s := strings.TrimSpace(n)
		base := 10
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			s, base = s[2:], 16
		}
		v, err := strconv.ParseInt(s, base, 64)
		return v, err == nil
	}
	return 0, false
}
