package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/movepoint/internal/config"
)

const defaultSQLiteFile = "movepoint.db"

// Config is the connection and pool view of the application config.
type Config struct {
	Type     string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func configFrom(cfg config.Config) Config {
	kind := strings.ToLower(strings.TrimSpace(cfg.DBType))
	if kind == "" {
		kind = "postgres"
	}
	return Config{
		Type:            kind,
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		Name:            strings.TrimSpace(cfg.DBName),
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		SSLMode:         cfg.DBSSLMode,
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Second,
	}
}

func (c Config) postgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c Config) mysqlDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// sqliteDSN waits on a locked database instead of failing immediately, which
// matters when the worker and scheduler share one local file.
func (c Config) sqliteDSN() string {
	name := c.Name
	if name == "" {
		name = defaultSQLiteFile
	}
	sep := "?"
	if strings.Contains(name, "?") {
		sep = "&"
	}
	return name + sep + "_busy_timeout=5000"
}
