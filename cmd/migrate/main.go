// Command migrate applies or rolls back the booking schema.
package main

import (
	"database/sql"
	"flag"
	"fmt"

	"ms-booking/internal/config"
	"ms-booking/internal/database/migrations"
	"ms-booking/internal/logger"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

func main() {
	direction := flag.String("direction", "up", "up or down")
	flag.Parse()

	log := logger.NewLogger("migrate")
	defer log.Close()

	_ = godotenv.Load()
	cfg := config.Load()

	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.ConnectionString()))
	sqldb := sql.OpenDB(connector)
	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()

	runner := migrations.NewRunner(bunDB, log)
	defer runner.Close()

	var err error
	switch *direction {
	case "up":
		err = runner.MigrateUp()
	case "down":
		err = runner.MigrateDown()
	default:
		err = fmt.Errorf("unknown direction %q", *direction)
	}
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	log.Info("DATABASE", fmt.Sprintf("Migrations %s complete", *direction))
}
