// Package all wires the built-in row sources into the source registry.
// Kinds: "sql", "csv".
package all

import (
	_ "docfeed/internal/source/csvsource"
	_ "docfeed/internal/source/sqlsource"
)
