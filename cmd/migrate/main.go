package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "STOREFRONT_POSTGRES_DSN"
)

type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	SchemaStatus(ctx context.Context) (postgres.SchemaStatus, error)
	Close() error
}

var openMigrator = func(ctx context.Context, dsn string) (migrator, error) {
	return postgres.Open(ctx, dsn)
}

type options struct {
	direction string
	steps     int
	dsn       string
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr); err != nil {
		cancel()
		fail("%v", err)
	}
}

func parseOptions(args []string, lookup func(string) (string, bool), stderr io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	if strings.TrimSpace(opts.dsn) == "" {
		if value, ok := lookup(envPostgresDSN); ok {
			opts.dsn = strings.TrimSpace(value)
		}
	}
	if opts.dsn == "" {
		return options{}, errors.New(envPostgresDSN + " (or -dsn) is required")
	}
	if opts.steps < 0 {
		return options{}, errors.New("steps must be >= 0")
	}
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	}
	return opts, nil
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), stdout, stderr io.Writer) error {
	opts, err := parseOptions(args, lookup, stderr)
	if err != nil {
		return err
	}

	store, err := openMigrator(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
	case "down":
		steps := opts.steps
		if steps == 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
	}

	status, err := store.SchemaStatus(ctx)
	if err != nil {
		return fmt.Errorf("schema status failed: %w", err)
	}
	if opts.direction == "status" {
		_, _ = fmt.Fprintf(stdout, "schema status: version=%d applied=%d pending=%d\n", status.Version, status.Applied, len(status.Pending))
		for _, name := range status.Pending {
			_, _ = fmt.Fprintf(stdout, "  pending %s\n", name)
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "migrate %s ok: version=%d applied=%d\n", opts.direction, status.Version, status.Applied)
	}
	return nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
