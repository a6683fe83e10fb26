// Package storage selects and opens a concrete storage adapter using
// environment variables.
package storage

import (
	"context"
	"fmt"
	"os"

	"smartobject/pkg/object"
	"smartobject/pkg/storage/file"
	"smartobject/pkg/storage/memory"
	"smartobject/pkg/storage/postgres"
	s3store "smartobject/pkg/storage/s3"
	"smartobject/pkg/storage/sqlite"
)

// Driver identifies a concrete storage implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverFile     Driver = "file"     // one document per record on disk
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
	DriverS3       Driver = "s3"       // S3-compatible backend
)

// Open selects a backend using environment variables. Defaults to file when
// unset.
//
//	SMARTOBJECT_STORAGE_DRIVER: memory|file|sqlite|postgres|s3 (default file)
//	SMARTOBJECT_DATA_DIR: record directory when driver=file (default ./data)
//	SMARTOBJECT_SQLITE_PATH: path to sqlite file (default ./smartobject.db)
//	SMARTOBJECT_POSTGRES_DSN: postgres DSN when driver=postgres
//	SMARTOBJECT_S3_BUCKET and friends when driver=s3
func Open(ctx context.Context) (object.Storage, error) {
	driver := os.Getenv("SMARTOBJECT_STORAGE_DRIVER")
	if driver == "" {
		driver = string(DriverFile)
	}
	switch Driver(driver) {
	case DriverMemory:
		return memory.New(), nil
	case DriverFile:
		return file.New(os.Getenv("SMARTOBJECT_DATA_DIR"))
	case DriverSQLite:
		return sqlite.New(os.Getenv("SMARTOBJECT_SQLITE_PATH"))
	case DriverPostgres:
		return postgres.New(os.Getenv("SMARTOBJECT_POSTGRES_DSN"))
	case DriverS3:
		return s3store.OpenFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
