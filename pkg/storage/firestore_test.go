package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/sunwaysbridge/pkg/types"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
		sealer:    sealer{key: testKey},
	}

	ctx := context.Background()
	require.NoError(t, f.Validate())
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	testDatabase(t, f)

	t.Run("EmptyID", func(t *testing.T) {
		_, err := f.GetEntry(ctx, "")
		assert.ErrorContains(t, err, "entry id cannot be empty")
		assert.Error(t, f.SaveEntry(ctx, types.Entry{}))
	})
}

func TestFirestoreValidate(t *testing.T) {
	assert.Error(t, (&FirestoreProvider{}).Validate())
	assert.NoError(t, (&FirestoreProvider{sealer: sealer{key: testKey}}).Validate())
}
