package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var raw string

// String returns the release version.
func String() string {
	return strings.TrimSpace(raw)
}
