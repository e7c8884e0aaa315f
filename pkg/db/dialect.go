package db

import (
	"fmt"

	"github.com/smallbiznis/movepoint/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect picks the gorm driver for DATABASE_TYPE. Postgres is the production
// store; mysql and sqlite exist for self-hosted and local setups.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	c := configFrom(cfg)
	switch c.Type {
	case "postgres":
		return postgres.Open(c.postgresDSN()), nil
	case "mysql":
		return mysql.Open(c.mysqlDSN()), nil
	case "sqlite":
		return sqlite.Open(c.sqliteDSN()), nil
	}
	return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
}
