// Command migrate applies or rolls back the order store schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	_ = godotenv.Load()

	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = flags.String("database", os.Getenv("DATABASE_URL"), "PostgreSQL DSN (defaults to $DATABASE_URL)")
		dir     = flags.String("path", "", "Directory containing SQL migrations (default: migrations embedded in the binary)")
		timeout = flags.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flags.Bool("quiet", false, "Suppress informational logs")
		list    = flags.Bool("list", false, "List embedded migrations and exit")
	)
	if err := flags.Parse(argv); err != nil {
		return err
	}

	if *list {
		versions, err := migrations.EmbeddedVersions()
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Println(v)
		}
		return nil
	}

	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or DATABASE_URL is required")
	}

	args := flags.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "avance-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, *dsn, *dir, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
