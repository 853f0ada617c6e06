//go:build sqlite_vec && cgo

package sqlitestore

import vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

// Registers the sqlite-vec extension as auto-loadable with the mattn/go-sqlite3
// driver, so every connection opened by database/sql gets the vec0 module
// and vec_distance_cosine/vec_distance_l2 functions without an explicit
// LoadExtension call.
func init() {
	vec.Auto()
}
