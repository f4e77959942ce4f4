package infra

import (
	"database/sql"
	"log"

	"permitflow/internal/config"
	"permitflow/internal/shared/storage"
	"permitflow/internal/shared/storage/dbutil"
	"permitflow/internal/shared/storage/driver/postgres"
	"permitflow/internal/shared/storage/driver/sqlite"
	"permitflow/internal/shared/storage/repository"
)

// OpenStorage 按驱动类型打开数据库并执行 Schema 迁移
func OpenStorage(cfg *config.Config) (storage.PersistentStore, error) {
	var (
		db      *sql.DB
		dialect dbutil.Dialect
		err     error
	)

	switch cfg.DatabaseDriver {
	case "postgres":
		db, err = postgres.Open(cfg.DatabaseURL)
		dialect = postgres.NewDialect()
	default:
		db, err = sqlite.Open(cfg.DatabaseURL)
		dialect = sqlite.NewDialect()
	}
	if err != nil {
		return nil, wrapInit("storage", err)
	}

	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, wrapInit("schema", err)
	}

	log.Printf("[Infra] Storage ready: driver=%s", dialect.DriverType())
	return repository.NewStore(db, dialect), nil
}
