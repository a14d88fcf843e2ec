// Package all registers the built-in suspension status sources ("switch" is
// always available from package suspend).
package all

import (
	_ "docfeed/internal/suspend/file"
	_ "docfeed/internal/suspend/redisstatus"
)
