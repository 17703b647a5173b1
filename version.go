package espalier

import _ "embed"

// Version is the release version of espalier.
//
//go:embed VERSION
var Version string
