package database

import (
	"os"
	"path/filepath"

	"specimen-curator/app/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the sqlite file at path and migrates the schema.
func Open(path string, log *logger.Logger) (*gorm.DB, error) {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		log.Errorf("create database dir: %v", err)
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Errorf("open database: %v", err)
		return nil, err
	}

	// a single connection keeps sqlite writes serialized
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrate(db); err != nil {
		log.Errorf("migrate database: %v", err)
		return nil, err
	}

	log.Infof("database ready: %s", path)
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}
