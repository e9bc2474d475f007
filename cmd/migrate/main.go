package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"meshgate.org/internal/migrate"
	"meshgate.org/internal/obs"
)

func main() {
	log.SetFlags(0)
	var (
		dsn   = flag.String("dsn", os.Getenv("MESHGATE_PG_DSN"), "PostgreSQL DSN (postgres://...)")
		table = flag.String("table", "", "Migrations bookkeeping table (default schema_migrations)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or MESHGATE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	logger, err := obs.NewLogger("info", "console")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	mgr, err := migrate.NewManager(*dsn, migrate.WithMigrationsTable(*table), migrate.WithLogger(logger))
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up()
	case "down":
		err = mgr.Down()
	case "status":
		var (
			version    uint
			dirty, has bool
		)
		version, dirty, has, err = mgr.Status()
		if err == nil {
			if !has {
				fmt.Println("no migrations applied")
			} else {
				fmt.Printf("version %d (dirty=%t)\n", version, dirty)
			}
		}
	default:
		err = fmt.Errorf("unknown command %q", flag.Arg(0))
	}
	if cerr := mgr.Close(); cerr != nil {
		logger.Warn("close migrate", zap.Error(cerr))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
