// Package all registers every storage backend and the SQL Server driver.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "xmlflat/internal/storage/mssql"
	_ "xmlflat/internal/storage/postgres"
	_ "xmlflat/internal/storage/sqlite"
)
