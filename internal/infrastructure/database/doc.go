// Package database provides the SQLite connection behind the run history.
//
// Open applies WAL mode and the busy timeout from config.DatabaseConfig.
// Migrations are read from any fs.FS (the repository embeds its own in the
// top-level migrations package) and are additive: every file pair has an
// .up.sql and a .down.sql.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
