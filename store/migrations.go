package store

import (
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// migration is one numbered, transactional schema change. version is
// the dbversion a database must be at for this migration to apply;
// after it runs, dbversion becomes version+1.
type migration struct {
	version int64
	apply   func(conn *sqlite.Conn) error
}

// migrations holds only a no-op version-0 entry for the base schema
// (createSQL already reflects version targetVersion's shape); it exists so that future schema
// changes have a place to land without rewriting createSQL in place,
// per spec.md 4.1's requirement for "explicit schema migrations".
var migrations = []migration{
	{
		version: 0,
		apply: func(conn *sqlite.Conn) error {
			// Base schema already created by createSQL; this step only
			// exists to seed the version marker and document the
			// convention for future migrations.
			return nil
		},
	},
}

const targetVersion = int64(len(migrations))

func migrate(conn *sqlite.Conn) error {
	cur, _, err := GetConfig(conn, "dbversion")
	var version int64
	if err != nil {
		return err
	}
	if cur != "" {
		if _, err := fmt.Sscanf(cur, "%d", &version); err != nil {
			return fmt.Errorf("store: corrupt dbversion %q: %v", cur, err)
		}
	}

	for _, m := range migrations {
		if m.version < version {
			continue
		}
		if err := runMigration(conn, m, version+1); err != nil {
			return fmt.Errorf("store: migration %d: %v", m.version, err)
		}
		version = m.version + 1
	}
	return nil
}

func runMigration(conn *sqlite.Conn, m migration, newVersion int64) (err error) {
	defer sqlitex.Save(conn)(&err)
	if err := m.apply(conn); err != nil {
		return err
	}
	return SetConfigInt(conn, "dbversion", newVersion)
}
