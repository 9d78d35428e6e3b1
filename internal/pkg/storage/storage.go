package storage

import (
	"context"
	"io"
)

// ReportStore persists generated reports (sanity check runs).
type ReportStore interface {
	// Put stores the object at key, overwriting any previous version.
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error

	// GetURL returns the location of a stored object.
	GetURL(key string) string
}
