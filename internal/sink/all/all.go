// Package all wires the built-in sinks into the sink registry. Import it for
// side effects from the binary's wiring layer:
//
//	import _ "docfeed/internal/sink/all"
//
// Kinds: "ndjson", "http", "mongo", "postgres".
package all

import (
	_ "docfeed/internal/sink/httpbulk"
	_ "docfeed/internal/sink/mongo"
	_ "docfeed/internal/sink/ndjson"
	_ "docfeed/internal/sink/postgres"
)
