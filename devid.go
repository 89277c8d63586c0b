package track17

import (
	"math/rand"
	"strings"
	"time"
)

const hexDigitsUpper = "0123456789ABCDEF"

// GenerateDeviceID produces a `_yq_bid` device identifier in the site's
// format: "G-" followed by 16 uppercase hex digits.
//
// Each digit replicates the JS expression
//
//	(new Date().getTime() + 16 * Math.random()) % 16 | 0
//
// with a fresh random value per position.
func GenerateDeviceID() string {
	timestamp := float64(time.Now().UnixMilli())

	var b strings.Builder
	b.Grow(18)
	b.WriteString("G-")
	for range 16 {
		digit := int(timestamp+16*rand.Float64()) % 16
		b.WriteByte(hexDigitsUpper[digit])
	}
	return b.String()
}
