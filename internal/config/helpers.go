package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDirectories ensures all required directories exist
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.DataDir, 0755); err != nil {
		return err
	}
	return nil
}

// GetDataPath returns the full path for a data file under the storage data directory
func (c *Config) GetDataPath(filename string) string {
	return filepath.Join(c.Storage.DataDir, filename)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Logging.Level == "debug" && c.Logging.Format == "console"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Logging.Level == "info" && c.Logging.Format == "json"
}

// GetServerAddress returns the ambient status HTTP server's listen address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}

// CollectionPath returns the on-disk directory for a collection's datafiles
func (c *Config) CollectionPath(database, collection string) string {
	return filepath.Join(c.Storage.DataDir, database, collection)
}
