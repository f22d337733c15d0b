package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MigratesTables(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "cbash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { Close(db) })

	require.NoError(t, Ping(db))

	require.NoError(t, db.Create(&Counter{Key: "k", Count: 1, ExpiresAt: time.Now().Add(time.Minute)}).Error)
	require.NoError(t, db.Create(&ListEntry{ListKey: "l", Value: []byte("v")}).Error)

	var counters, entries int64
	require.NoError(t, db.Model(&Counter{}).Count(&counters).Error)
	require.NoError(t, db.Model(&ListEntry{}).Count(&entries).Error)
	assert.EqualValues(t, 1, counters)
	assert.EqualValues(t, 1, entries)
}

func TestClose_Nil(t *testing.T) {
	assert.NoError(t, Close(nil))
}
