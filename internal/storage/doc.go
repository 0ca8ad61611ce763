// Package storage provides the snapshot persistence gateway behind the task
// store: a file driver (atomic-rename JSON) and a SQLite driver (single
// snapshot row). Both tolerate corruption by discarding the bad copy.
package storage
