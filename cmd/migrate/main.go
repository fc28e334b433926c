package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v2"

	appmigrations "github.com/wolfman30/kargo-relay/migrations"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "migrate",
		Usage: "Apply the local-development schema for otp_requests and whatsapp_messages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				EnvVars: []string{"DATABASE_URL"},
				Usage:   "postgres connection string",
			},
		},
		Action: func(c *cli.Context) error {
			return withMigrator(c, func(m *migrate.Migrate) error {
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate up: %w", err)
				}
				fmt.Println("migrations complete")
				return nil
			})
		},
		Commands: []*cli.Command{
			{
				Name:  "down",
				Usage: "Roll back one migration",
				Action: func(c *cli.Context) error {
					return withMigrator(c, func(m *migrate.Migrate) error {
						if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
							return fmt.Errorf("migrate down: %w", err)
						}
						fmt.Println("rolled back one migration")
						return nil
					})
				},
			},
			{
				Name:      "force",
				Usage:     "Set the schema version without running migrations",
				ArgsUsage: "<version>",
				Action: func(c *cli.Context) error {
					version, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return fmt.Errorf("invalid version: %w", err)
					}
					return withMigrator(c, func(m *migrate.Migrate) error {
						if err := m.Force(version); err != nil {
							return fmt.Errorf("force version: %w", err)
						}
						fmt.Printf("forced version to %d\n", version)
						return nil
					})
				},
			},
			{
				Name:  "version",
				Usage: "Print the current schema version",
				Action: func(c *cli.Context) error {
					return withMigrator(c, func(m *migrate.Migrate) error {
						version, dirty, err := m.Version()
						if errors.Is(err, migrate.ErrNilVersion) {
							fmt.Println("no migrations applied")
							return nil
						}
						if err != nil {
							return fmt.Errorf("read version: %w", err)
						}
						fmt.Printf("version %d (dirty=%t)\n", version, dirty)
						return nil
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func withMigrator(c *cli.Context, fn func(m *migrate.Migrate) error) error {
	databaseURL := strings.TrimSpace(c.String("database-url"))
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(c.Context); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("db driver: %w", err)
	}
	srcDriver, err := iofs.New(appmigrations.FS, ".")
	if err != nil {
		return fmt.Errorf("source driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	return fn(m)
}
