package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

const entriesCollection = "entries"

// FirestoreProvider implements Database using Google Cloud Firestore.
// Every entry is a document in the "entries" collection keyed by its id.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	sealer    sealer
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if len(f.sealer.key) != 32 {
		return errors.New("credentials-encryption-key must be 32 bytes")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) entryFromDoc(ctx context.Context, doc *firestore.DocumentSnapshot) (types.Entry, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "entry doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return types.Entry{}, fmt.Errorf("entry document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "entry doc json not string", slog.String("docID", doc.Ref.ID))
		return types.Entry{}, fmt.Errorf("entry document %s 'json' field is not a string", doc.Ref.ID)
	}

	var encrypted []byte
	if v, err := doc.DataAt("credentials"); err == nil {
		encrypted, _ = v.([]byte)
	}

	entry, err := f.sealer.openEntry(ctx, jsonStr, encrypted)
	if err != nil {
		return types.Entry{}, fmt.Errorf("failed to read entry %s: %w", doc.Ref.ID, err)
	}
	return entry, nil
}

// GetEntry retrieves the entry document with the given id.
func (f *FirestoreProvider) GetEntry(ctx context.Context, id string) (types.Entry, error) {
	if id == "" {
		return types.Entry{}, errors.New("entry id cannot be empty")
	}
	doc, err := f.client.Collection(entriesCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Entry{}, ErrEntryNotFound
		}
		return types.Entry{}, fmt.Errorf("failed to fetch entry %s: %w", id, err)
	}
	return f.entryFromDoc(ctx, doc)
}

// ListEntries retrieves every entry ordered by id.
func (f *FirestoreProvider) ListEntries(ctx context.Context) ([]types.Entry, error) {
	iter := f.client.Collection(entriesCollection).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []types.Entry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating entries: %w", err)
		}
		entry, err := f.entryFromDoc(ctx, doc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SaveEntry stores the entry as a JSON blob next to its encrypted
// credentials.
func (f *FirestoreProvider) SaveEntry(ctx context.Context, entry types.Entry) error {
	if entry.ID == "" {
		return errors.New("entry id cannot be empty")
	}
	jsonStr, encrypted, err := f.sealer.sealEntry(ctx, entry)
	if err != nil {
		return err
	}
	_, err = f.client.Collection(entriesCollection).Doc(entry.ID).Set(ctx, map[string]interface{}{
		"json":        jsonStr,
		"credentials": encrypted,
		"updated":     time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save entry %s: %w", entry.ID, err)
	}
	return nil
}

// DeleteEntry removes the entry document. Deleting a missing entry is not an
// error.
func (f *FirestoreProvider) DeleteEntry(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("entry id cannot be empty")
	}
	if _, err := f.client.Collection(entriesCollection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", id, err)
	}
	return nil
}
