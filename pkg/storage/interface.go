package storage

import (
	"context"

	"github.com/raterudder/sunwaysbridge/pkg/types"
)

// Database persists config entries. Credentials are encrypted at rest by
// every provider that writes them somewhere.
type Database interface {
	// GetEntry returns ErrEntryNotFound if there is no entry with the id.
	GetEntry(ctx context.Context, id string) (types.Entry, error)
	ListEntries(ctx context.Context) ([]types.Entry, error)
	// SaveEntry creates or replaces the entry.
	SaveEntry(ctx context.Context, entry types.Entry) error
	DeleteEntry(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}
