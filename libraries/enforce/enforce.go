// Package enforce asserts internal invariants. A failed assertion means the
// process state is already inconsistent, so it panics instead of returning.
package enforce

import (
	"fmt"
	"math"

	"github.com/greymass/dualsink/libraries/logger"
)

func init() {
	CheckCompiler()
}

// ENFORCE panics when query is false or a non-nil error. args describe the
// violated invariant and are logged under the "enforce" category.
func ENFORCE(query interface{}, args ...interface{}) {
	switch t := query.(type) {
	case bool:
		if !t {
			msg := fmt.Sprint(args...)
			logger.Printf("enforce", "ENFORCE: %s", msg)
			panic(fmt.Errorf("invariant violated: %s", msg))
		}
	case error:
		if t != nil {
			logger.Printf("enforce", "ENFORCE: %s: %v", fmt.Sprint(args...), t)
			panic(t)
		}
	}
}

// CheckCompiler rejects 32 bit builds; heights and byte counts are int.
func CheckCompiler() {
	myint := int(math.MaxInt64)
	myint64 := int64(math.MaxInt64)
	ENFORCE(uint64(myint) == uint64(myint64), "must be on a 64 bit system")
}
