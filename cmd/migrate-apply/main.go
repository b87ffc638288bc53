package main

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/database"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

const (
	validArgsLen = 2
	usage        = "usage: up | down [steps] | version | force <version>"
)

func main() {
	if len(os.Args) < validArgsLen {
		log.Fatal(usage)
	}

	migrationsDir, err := filepath.Abs("migrations")
	if err != nil {
		log.Fatal(err)
	}

	migrator, err := migrate.New("file://"+filepath.ToSlash(migrationsDir), database.GetURL())
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		sourceErr, dbErr := migrator.Close()
		if sourceErr != nil || dbErr != nil {
			log.Printf("failed to close migrator: source=%v database=%v", sourceErr, dbErr)
		}
	}()

	err = apply(migrator, os.Args[1], os.Args[2:])
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal(err)
	}

	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Print("no migration applied")
		return
	}

	if err != nil {
		log.Fatal(err)
	}

	log.Printf("migration complete. version=%d dirty=%v", version, dirty)
}

func apply(migrator *migrate.Migrate, cmd string, args []string) error {
	switch cmd {
	case "up":
		return migrator.Up()
	case "down":
		steps, err := intArg(args, 1)
		if err != nil {
			return err
		}

		return migrator.Steps(-steps)
	case "version":
		return nil
	case "force":
		if len(args) == 0 {
			return errors.New(usage)
		}

		version, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}

		return migrator.Force(version)
	default:
		return errors.New(usage)
	}
}

func intArg(args []string, fallback int) (int, error) {
	if len(args) == 0 {
		return fallback, nil
	}

	value, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, err
	}

	if value < 1 {
		return 0, errors.New("steps must be positive")
	}

	return value, nil
}
