package tools

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

func ConnectSqlite(filePath string) (*sql.DB, error) {
	db, err := connectWithBackoff("sqlite3", filePath, 3, 3*time.Second)
	if err != nil {
		return nil, err
	}

	err = RunMigrations(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Apply every embedded migration in lexical order. Migrations must be idempotent.
func RunMigrations(db *sql.DB) error {
	dirEntries, err := fs.ReadDir(migrationFiles, "migration")
	if err != nil {
		return err
	}
	for _, entry := range dirEntries {
		fileName := path.Join("migration", entry.Name())
		fileData, err := fs.ReadFile(migrationFiles, fileName)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(fileData)); err != nil {
			return fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		log.Debugf("Applied migration %s", entry.Name())
	}

	return nil
}

func connectWithBackoff(driver string, connStr string, maxRetries int, backoff time.Duration) (*sql.DB, error) {
	var db *sql.DB
	var err error
	for i := 0; i < maxRetries; i++ {
		db, err = sql.Open(driver, connStr)
		if err != nil {
			log.Warnf("Failed attempt to connect to %s: %v", driver, err)
			time.Sleep(time.Duration(i+1) * backoff)
			continue
		}
		err = db.Ping()
		if err != nil {
			db.Close()
			log.Warnf("Failed attempt to connect to %s: %v", driver, err)
			time.Sleep(time.Duration(i+1) * backoff)
			continue
		}
		return db, nil
	}
	return nil, err
}
