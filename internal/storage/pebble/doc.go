// Package pebblestore keeps the worker's retry counters in a local Pebble
// database. Open applies the configured fsync policy; Update runs a
// serialized read-modify-write on one key so concurrent increments of the
// same counter never lose a write.
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeInterval})
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//	next, err := db.Update([]byte("retry/j1"), incrementCounter)
package pebblestore
