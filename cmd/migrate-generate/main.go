package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"

	"ariga.io/atlas-provider-gorm/gormschema"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/deadletter"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/prompt"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/scheduler"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/session"
)

const (
	minArgs       = 2
	defaultDevURL = "docker+postgres://docker.mci.dev/postgres:15-alpine/dev?search_path=public"
)

// models lists every table ahsoka owns. Partial indexes (uq_queued_calls_active_conversation,
// idx_queued_calls_due) are not expressible in gorm tags; keep them when editing a generated diff.
func models() []any {
	return []any{
		&scheduler.QueuedCall{},
		&session.CallSession{},
		&deadletter.JournalDeadLetter{},
		&prompt.Script{},
	}
}

func main() {
	if len(os.Args) < minArgs {
		log.Fatal("please provide a migration name")
	}

	err := generate(filepath.Base(os.Args[1]))
	if err != nil {
		log.Fatal(err)
	}
}

func generate(migrationName string) error {
	devURL := os.Getenv("ATLAS_DEV_URL")
	if devURL == "" {
		devURL = defaultDevURL
	}

	schema, err := gormschema.New("postgres").Load(models()...)
	if err != nil {
		return fmt.Errorf("failed to load gorm schema: %w", err)
	}

	schemaPath, err := writeSchema(schema)
	if err != nil {
		return err
	}

	defer func() {
		err := os.Remove(schemaPath)
		if err != nil {
			log.Printf("failed to remove temp file %s: %v", schemaPath, err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := exec.CommandContext(ctx,
		"atlas",
		"migrate", "diff",
		migrationName,
		"--to", "file://"+schemaPath,
		"--dev-url", devURL,
		"--dir", "file://migrations?format=golang-migrate",
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("atlas diff failed: %w\n%s", err, out)
	}

	log.Printf("migration %s generated:\n%s", migrationName, out)

	return nil
}

func writeSchema(schema string) (string, error) {
	tmp, err := os.CreateTemp("", "ahsoka-schema-*.sql")
	if err != nil {
		return "", err
	}

	_, err = tmp.WriteString(schema)
	if err != nil {
		_ = tmp.Close()
		return "", err
	}

	err = tmp.Close()
	if err != nil {
		return "", err
	}

	return filepath.Abs(tmp.Name())
}
