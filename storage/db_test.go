package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.etcd.io/bbolt"
)

func TestInitDB_CreatesMissingDataDir(t *testing.T) {
	// A fresh deployment starts with a storage root that does not exist yet
	root := filepath.Join(t.TempDir(), "media")

	db, err := InitDB(root)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, filepath.Join(root, "applymatic.db"))
}

func TestInitDB_CreatesBuckets(t *testing.T) {
	db, err := InitDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	err = db.View(func(tx *bbolt.Tx) error {
		assert.NotNil(t, tx.Bucket([]byte("CampaignCounters")))
		assert.NotNil(t, tx.Bucket([]byte("Sessions")))
		return nil
	})
	require.NoError(t, err)
}
