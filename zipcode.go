package track17

import "strings"

// ZipResolver maps a US zip code to a city and state.
type ZipResolver interface {
	Lookup(zip string) (city, state string, ok bool)
}

// zipTable is a small built-in resolver covering the metro areas that
// dominate carrier scan locations. Unknown zips fall through to the raw
// location string, so completeness is not required.
type zipTable map[string][2]string

func (t zipTable) Lookup(zip string) (string, string, bool) {
	if entry, ok := t[zip]; ok {
		return entry[0], entry[1], true
	}
	// Same city across a sequential block: try the prefix with a trailing
	// zero, which covers most big-city zone grids.
	if len(zip) == 5 {
		if entry, ok := t[zip[:4]+"0"]; ok {
			return entry[0], entry[1], true
		}
	}
	return "", "", false
}

var defaultZipResolver ZipResolver = zipTable{
	"10001": {"New York", "NY"},
	"20001": {"Washington", "DC"},
	"30301": {"Atlanta", "GA"},
	"33101": {"Miami", "FL"},
	"38118": {"Memphis", "TN"},
	"40511": {"Lexington", "KY"},
	"60290": {"Chicago", "IL"},
	"60455": {"Bridgeview", "IL"},
	"75201": {"Dallas", "TX"},
	"80014": {"Aurora", "CO"},
	"89501": {"Reno", "NV"},
	"90001": {"Los Angeles", "CA"},
	"94105": {"San Francisco", "CA"},
	"98101": {"Seattle", "WA"},
}

// FormatLocation resolves "US <zip>" locations to "City, ST" for display.
// Anything else comes back unchanged.
func FormatLocation(raw string) string {
	return FormatLocationWith(raw, defaultZipResolver)
}

// FormatLocationWith is FormatLocation with a caller-supplied resolver.
func FormatLocationWith(raw string, resolver ZipResolver) string {
	parts := strings.Fields(raw)
	if len(parts) == 2 && parts[0] == "US" {
		if city, state, ok := resolver.Lookup(parts[1]); ok {
			return city + ", " + state
		}
	}
	return raw
}
