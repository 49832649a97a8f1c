// Package database persists one row per terminal inspection result,
// backing the /results API and post-hoc analysis. Sqlite is the default
// for single-box deployments; postgres URLs switch drivers.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens the result database. An empty URL places a sqlite file
// under dataDir.
func NewDatabase(url, dataDir string) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err = gorm.Open(postgres.Open(url), &gorm.Config{})
	case url != "":
		db, err = gorm.Open(sqlite.Open(url), &gorm.Config{})
	default:
		path := filepath.Join(dataDir, "results.db")
		if mkErr := os.MkdirAll(filepath.Dir(path), os.ModePerm); mkErr != nil {
			return nil, fmt.Errorf("creating database directory: %w", mkErr)
		}
		db, err = gorm.Open(sqlite.Open(path), &gorm.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("opening result database: %w", err)
	}

	if err := GetMigrator(db).Migrate(); err != nil {
		return nil, fmt.Errorf("migrating result database: %w", err)
	}
	return db, nil
}
