package postgres

import "xmlflat/internal/storage"

func init() {
	storage.Register("postgres", New)
}
