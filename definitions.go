package loom

import (
	"bytes"
	_ "embed"
)

// bundledDefinitions is the tool catalog shipped with the binary. It is the
// authoritative definition table; handlers are linked against it at startup.
//
//go:embed definitions.json
var bundledDefinitions []byte

// LoadBundled populates the registry from the bundled definitions file.
func (r *Registry) LoadBundled() error {
	return r.Load(bytes.NewReader(bundledDefinitions))
}
