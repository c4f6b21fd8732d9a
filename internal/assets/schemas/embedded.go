// Package schemasassets provides embedded JSON schemas so validation works
// in installed binaries regardless of the working directory.
package schemasassets

import _ "embed"

// BatchLayoutSchema validates a batch.yaml layout after YAML decoding.
//
//go:embed batch-layout.schema.json
var BatchLayoutSchema []byte
