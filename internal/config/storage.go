package config

import (
	"fmt"
	"regexp"
)

// Storage drivers accepted by StorageConfig.Driver.
const (
	StorageDriverNone     = "none"
	StorageDriverMemory   = "memory"
	StorageDriverRedis    = "redis"
	StorageDriverPostgres = "postgres"
)

// tableNameRegex restricts the postgres table to a plain lowercase identifier,
// since it is interpolated into SQL statements.
var tableNameRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// StorageConfig selects the persistent key/value backend mirroring the flag map.
type StorageConfig struct {
	Driver string `envconfig:"DRIVER" default:"memory" validate:"oneof=none memory redis postgres"`

	// MemoryCapacity bounds the number of cached slots for the memory driver.
	MemoryCapacity int `envconfig:"MEMORY_CAPACITY" default:"1024" validate:"min=1"`

	// Table is the key/value table used by the postgres driver.
	Table string `envconfig:"TABLE" default:"flagsync_cache"`
}

// Validate checks the driver specific settings.
func (c *StorageConfig) Validate() error {
	if c.Driver == StorageDriverPostgres && !tableNameRegex.MatchString(c.Table) {
		return fmt.Errorf("storage table %q must be a lowercase SQL identifier", c.Table)
	}
	return nil
}
