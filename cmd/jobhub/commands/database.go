package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/derivkit/jobhub/am"
	"github.com/derivkit/jobhub/db"
	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/logger"
)

// loadConfig reads --config when given, otherwise the layered config files
// with JOBHUB_DB_PATH applied on top.
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return am.LoadFromFile(path)
	}

	cfg, err := am.Load()
	if err != nil {
		return nil, err
	}
	dbPath, err := am.GetDatabasePath()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get database path")
	}
	cfg.Database.Path = dbPath
	return cfg, nil
}

// openDatabase opens and migrates the job database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = am.DefaultDatabasePath
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// withDatabase loads config, opens the database and runs fn against it
func withDatabase(cmd *cobra.Command, fn func(*sql.DB) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(database)
}
