package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func NewDatabase() (*gorm.DB, error) {
	return Open(GetDSN())
}

// Open connects to the given DSN. TranslateError maps unique violations to gorm.ErrDuplicatedKey,
// which the stores rely on for the one-active-call index.
func Open(dsn string) (*gorm.DB, error) {
	database, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		logging.Logger.Error("Failed to connect to Postgres", zap.String("error", err.Error()))
		return nil, err
	}

	sqldatabase, err := database.DB()
	if err != nil {
		logging.Logger.Error("Failed to get sql.database from GORM", zap.String("error", err.Error()))
		return nil, err
	}

	configurePool(sqldatabase)

	err = sqldatabase.Ping()
	if err != nil {
		logging.Logger.Error("Failed to ping Postgres database", zap.String("error", err.Error()))
		return nil, err
	}

	logging.Logger.Info("Successfully connected to Postgres",
		zap.Int("max_open_conns", config.Conf.PostgresMaxOpenConns),
		zap.Int("max_idle_conns", config.Conf.PostgresMaxIdleConns),
	)

	return database, nil
}

// configurePool sizes the connection pool. Every live call writes session snapshots and
// queue transitions, so the pool should be sized against ORCHESTRATOR_POOL_SIZE.
func configurePool(sqldatabase *sql.DB) {
	if config.Conf.PostgresMaxOpenConns > 0 {
		sqldatabase.SetMaxOpenConns(config.Conf.PostgresMaxOpenConns)
	}

	if config.Conf.PostgresMaxIdleConns > 0 {
		sqldatabase.SetMaxIdleConns(config.Conf.PostgresMaxIdleConns)
	}

	if config.Conf.PostgresConnMaxLifetime > 0 {
		sqldatabase.SetConnMaxLifetime(time.Duration(config.Conf.PostgresConnMaxLifetime) * time.Second)
	}
}

func GetDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		config.Conf.PostgresHost,
		config.Conf.PostgresUsername,
		config.Conf.PostgresPassword,
		config.Conf.PostgresDatabase,
		config.Conf.PostgresPort,
		config.Conf.PostgresSSLMode,
	)
}

func GetURL() string {
	dbUrl := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(config.Conf.PostgresUsername, config.Conf.PostgresPassword),
		Host:   fmt.Sprintf("%s:%s", config.Conf.PostgresHost, config.Conf.PostgresPort),
		Path:   config.Conf.PostgresDatabase,
	}
	queries := url.Values{}
	queries.Add("sslmode", config.Conf.PostgresSSLMode)
	dbUrl.RawQuery = queries.Encode()

	return dbUrl.String()
}

// GetCircuitBreakerSettings is shared by every repository. Business outcomes such as
// gorm.ErrRecordNotFound must be filtered by the caller through IsSuccessful.
func GetCircuitBreakerSettings(name string, isSuccessful func(error) bool) gobreaker.Settings {
	return gobreaker.Settings{
		Name:         name,
		Interval:     time.Duration(config.Conf.DBIntervalCB) * time.Second,
		IsSuccessful: isSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			willTrip := counts.ConsecutiveFailures >= config.Conf.DBConsecutiveFailuresCB

			if willTrip {
				logging.Logger.Error("Database circuit breaker about to trip",
					zap.String("service", name),
					zap.Uint32("total_requests", counts.Requests),
					zap.Uint32("total_failures", counts.TotalFailures),
					zap.Uint32("consecutive_failures", counts.ConsecutiveFailures),
					zap.Uint32("threshold", config.Conf.DBConsecutiveFailuresCB),
				)
			}

			return willTrip
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Error("Database circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.DBService)
			}
		},
	}
}
