package repository_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/notifyhub/posting-queue/internal/db"
	"github.com/notifyhub/posting-queue/internal/repository"
)

func TestSQLiteQueueRepository(t *testing.T) {
	runContract(t, func(t *testing.T) repository.QueueRepository {
		gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
		require.NoError(t, err)
		t.Cleanup(func() {
			if sqlDB, err := gdb.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})

		repo, err := repository.NewSQLiteQueueRepository(gdb)
		require.NoError(t, err)
		return repo
	})
}
