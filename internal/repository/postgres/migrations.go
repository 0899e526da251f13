package postgres

import "embed"

//go:embed migrations/*.up.sql
var migrations embed.FS
