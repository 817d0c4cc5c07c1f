package connection

import "fmt"

// Driver describes a storage engine's multi-database capabilities and the
// statements used to provision tenant databases. Adding an engine is a
// table entry, not new branching.
type Driver struct {
	Name                  string
	SupportsMultiDatabase bool
	DefaultPort           int

	// CreateDatabase and DropDatabase return full statements; database
	// names are generated by the credential store from a safe character
	// set, never from raw user input.
	CreateDatabase func(name string) string
	DropDatabase   func(name string) string
	// ExistsQuery returns a query with one positional parameter, the
	// database name; one row back means the database exists.
	ExistsQuery string
}

var drivers = map[string]Driver{
	"pgsql": {
		Name:                  "pgsql",
		SupportsMultiDatabase: true,
		DefaultPort:           5432,
		CreateDatabase: func(name string) string {
			return fmt.Sprintf(`CREATE DATABASE %q`, name)
		},
		DropDatabase: func(name string) string {
			return fmt.Sprintf(`DROP DATABASE IF EXISTS %q`, name)
		},
		ExistsQuery: `SELECT datname FROM pg_database WHERE datname = $1`,
	},
	"mysql": {
		Name:                  "mysql",
		SupportsMultiDatabase: true,
		DefaultPort:           3306,
		CreateDatabase: func(name string) string {
			return fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", name)
		},
		DropDatabase: func(name string) string {
			return fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", name)
		},
		ExistsQuery: `SELECT SCHEMA_NAME FROM INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME = ?`,
	},
	// Single-file embedded engine: no multi-database isolation.
	"sqlite": {
		Name:                  "sqlite",
		SupportsMultiDatabase: false,
	},
}

// DriverByName looks up a driver table entry.
func DriverByName(name string) (Driver, bool) {
	d, ok := drivers[name]
	return d, ok
}
