package track17

import (
	"fmt"
	"strings"
	"time"
)

// defaultCanvasHash is the DJB2 hash of a fixed canvas fingerprint string for
// a standard Windows Chrome environment (24-bit color, en-US, 1080x1920). The
// server checks format consistency, not the actual canvas content.
const defaultCanvasHash uint32 = 1022200205

// defaultBrowserTZOffset is the browser's Date.getTimezoneOffset() value used
// in the metadata string. 300 = UTC-5. Distinct from the API's timeZoneOffset.
const defaultBrowserTZOffset = 300

// defaultAssetVersion is the fallback for the page's configs.md5 marker when
// no assets have been fetched yet.
const defaultAssetVersion = "1.0.156"

// LastEventIDConfig parameterizes Last-Event-ID generation. The zero value is
// not usable directly; populate via defaults in GenerateLastEventID.
type LastEventIDConfig struct {
	// DeviceID is the `_yq_bid` cookie value (e.g. "G-EA6CFDB403493F2A").
	// When empty, the canvas hash rendered as decimal is substituted.
	DeviceID string
	// AssetVersion is the page's configs.md5 value (e.g. "1.0.156").
	AssetVersion string
	// TZOffset is the browser timezone offset in minutes.
	TZOffset int
	// CanvasHash is the DJB2 canvas fingerprint hash.
	CanvasHash uint32
	// Now supplies the timestamp; nil means time.Now. Tests inject a fixed
	// clock here for deterministic output.
	Now func() time.Time
}

func (c *LastEventIDConfig) applyDefaults() {
	if c.AssetVersion == "" {
		c.AssetVersion = defaultAssetVersion
	}
	if c.TZOffset == 0 {
		c.TZOffset = defaultBrowserTZOffset
	}
	if c.CanvasHash == 0 {
		c.CanvasHash = defaultCanvasHash
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// GenerateLastEventID builds the Last-Event-ID value sent as both header and
// cookie on the first API request of a session (while guid is still empty).
//
// The value concatenates four segments:
//
//	hexEncode(reverse(meta)) + "4" + hex8(SiteHash(meta, 0)) + hex8(SiteHash(body, len(body)))
//
// where meta is
//
//	{deviceID}:false:{canvasHash}:0:0/{epochMillisHex}/11/true/{tzOffset}/{canvasHash}/{version}/0
//
// The literal "4" marks that the page domain matched .17track.net.
func GenerateLastEventID(requestBodyJSON string, cfg LastEventIDConfig) string {
	cfg.applyDefaults()

	bodyHash := SiteHash(requestBodyJSON, int32(len(requestBodyJSON)))

	timestampHex := fmt.Sprintf("%x", cfg.Now().UnixMilli())

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = fmt.Sprintf("%d", cfg.CanvasHash)
	}

	// Field meanings, left to right: device id, webdriver flag, canvas hash,
	// call counter, global counter, timestamp, constant 11, xhr available,
	// tz offset, canvas hash again, asset version, captcha hash (always 0).
	meta := fmt.Sprintf("%s:false:%d:0:0/%s/11/true/%d/%d/%s/0",
		deviceID, cfg.CanvasHash, timestampHex, cfg.TZOffset, cfg.CanvasHash, cfg.AssetVersion)

	metaHash := SiteHash(meta, 0)

	var b strings.Builder
	b.Grow(len(meta)*2 + 17)
	b.WriteString(hexEncodeChars(reverseString(meta)))
	b.WriteString("4")
	fmt.Fprintf(&b, "%08x", metaHash)
	fmt.Fprintf(&b, "%08x", bodyHash)
	return b.String()
}

func reverseString(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// hexEncodeChars encodes each code point as lowercase hex with no per-char
// zero padding, matching JS charCodeAt(n).toString(16) concatenation.
func hexEncodeChars(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		fmt.Fprintf(&b, "%x", r)
	}
	return b.String()
}
