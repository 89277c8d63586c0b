package track17

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexEncodeChars(t *testing.T) {
	assert.Equal(t, "4142", hexEncodeChars("AB"))
	assert.Equal(t, "30", hexEncodeChars("0"))
	assert.Equal(t, "", hexEncodeChars(""))
}

func TestReverseString(t *testing.T) {
	assert.Equal(t, "cba", reverseString("abc"))
	assert.Equal(t, "", reverseString(""))
}

// Recorded session values: with the device id, version, timezone, and
// timestamp below, the metadata string and its derived segments are known.
func TestLastEventIDRecordedSession(t *testing.T) {
	// 0x19bf6ded9f6 milliseconds
	fixedMillis, err := strconv.ParseInt("19bf6ded9f6", 16, 64)
	require.NoError(t, err)

	cfg := LastEventIDConfig{
		DeviceID:     "G-EA6CFDB403493F2A",
		AssetVersion: "1.0.156",
		TZOffset:     300,
		CanvasHash:   1022200205,
		Now:          func() time.Time { return time.UnixMilli(fixedMillis) },
	}

	body := `{"data":[{"num":"TEST123","fc":0,"sc":0}],"guid":"","timeZoneOffset":-480,"sign":"test"}`
	got := GenerateLastEventID(body, cfg)

	wantPrefix := "302f3635312e302e312f353032303032323230312f3030332f657572742f31312f36663964656436666239312f303a303a353032303032323230313a65736c61663a413246333934333034424446433641452d47"
	assert.True(t, strings.HasPrefix(got, wantPrefix), "metadata segment mismatch:\n%s", got)

	// After the metadata segment: "4" + meta hash + body hash.
	rest := got[len(wantPrefix):]
	require.Len(t, rest, 17)
	assert.Equal(t, byte('4'), rest[0])
	assert.Equal(t, "20b04e11", rest[1:9])

	wantBodyHash := SiteHash(body, int32(len(body)))
	assert.Equal(t, pad8(wantBodyHash), rest[9:])
}

func pad8(v uint32) string {
	s := strconv.FormatUint(uint64(v), 16)
	return strings.Repeat("0", 8-len(s)) + s
}

func TestLastEventIDAllHex(t *testing.T) {
	cfg := LastEventIDConfig{DeviceID: "G-0123456789ABCDEF"}
	got := GenerateLastEventID(`{"data":[]}`, cfg)
	require.NotEmpty(t, got)
	for _, r := range got {
		assert.Contains(t, "0123456789abcdef", string(r))
	}
}

func TestLastEventIDFallsBackToCanvasHash(t *testing.T) {
	cfg := LastEventIDConfig{
		Now: func() time.Time { return time.UnixMilli(1700000000000) },
	}
	got := GenerateLastEventID("{}", cfg)

	// With no device id the metadata starts with the canvas hash in decimal.
	// Reversing the metadata puts those characters, reversed, at the end of
	// the first segment, which sits 17 hex chars before the end of the value.
	segment := got[:len(got)-17]
	assert.True(t, strings.HasSuffix(segment, hexEncodeChars(reverseString("1022200205"))),
		"canvas hash fallback missing from metadata segment: %s", segment)
}

func TestGenerateDeviceIDFormat(t *testing.T) {
	id := GenerateDeviceID()
	require.Len(t, id, 18)
	assert.True(t, strings.HasPrefix(id, "G-"))
	for _, r := range id[2:] {
		assert.Contains(t, hexDigitsUpper, string(r))
	}
}

func TestGenerateDeviceIDUniqueness(t *testing.T) {
	// Not strictly guaranteed but a collision is astronomically unlikely.
	assert.NotEqual(t, GenerateDeviceID(), GenerateDeviceID())
}
