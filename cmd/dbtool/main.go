package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"parceltrack/auth"
	"parceltrack/config"
	"parceltrack/db"
	"parceltrack/outbox"
	"parceltrack/tracking"
)

const usage = `usage: dbtool <command> [flags]

commands:
  migrate        apply pending schema migrations
  seed           load packages and their status history from a JSON file
  create-admin   create a staff account
`

func main() {
	config.LoadDotEnv()
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		_, _ = fmt.Fprintln(stderr, "DATABASE_URL is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "migrate":
		err = runMigrate(ctx, databaseURL)
	case "seed":
		err = runSeed(ctx, databaseURL, args[1:], stderr)
	case "create-admin":
		err = runCreateAdmin(ctx, databaseURL, args[1:], stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if err != nil {
		log.Printf("dbtool %s: %v", args[0], err)
		return 1
	}
	return 0
}

func runMigrate(ctx context.Context, databaseURL string) error {
	pool, err := db.NewPool(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	log.Println("Applying migrations...")
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}
	v, err := db.MigrationVersion(ctx, pool)
	if err != nil {
		return err
	}
	log.Printf("Schema ready. version=%d", v)
	return nil
}

func runSeed(ctx context.Context, databaseURL string, args []string, stderr io.Writer) error {
	cmd := flag.NewFlagSet("seed", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	path := cmd.String("file", config.Get("SEED_PATH", "data/seeds/packages.json"), "path to the seed JSON file")
	if err := cmd.Parse(args); err != nil {
		return err
	}

	items, err := readSeedFile(*path)
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	svc := tracking.NewService(pool, tracking.NewRepository(pool), outbox.NewWriter())
	log.Printf("Seeding %d packages from %s...", len(items), *path)
	res, err := seedPackages(ctx, svc, items)
	if err != nil {
		return err
	}
	log.Printf("Seeding complete. created=%d skipped=%d events=%d", res.Created, res.Skipped, res.Events)
	return nil
}

func runCreateAdmin(ctx context.Context, databaseURL string, args []string, stderr io.Writer) error {
	cmd := flag.NewFlagSet("create-admin", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		email    string
		password string
		name     string
		role     string
	)
	cmd.StringVar(&email, "email", "", "account email (REQUIRED)")
	cmd.StringVar(&password, "password", "", "account password, at least 8 characters (REQUIRED)")
	cmd.StringVar(&name, "name", "", "full name (REQUIRED)")
	cmd.StringVar(&role, "role", string(auth.RoleAdmin), "admin or operator")

	if err := cmd.Parse(args); err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	// Registration never signs tokens, so no secret is needed here.
	svc := auth.NewService(auth.NewRepository(pool), "")
	user, err := svc.Register(ctx, auth.RegisterRequest{
		Email:    email,
		Password: password,
		FullName: name,
		Role:     auth.Role(role),
	})
	if err != nil {
		return err
	}
	log.Printf("Created %s account id=%s email=%s", user.Role, user.ID, user.Email)
	return nil
}
