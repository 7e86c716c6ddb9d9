package arbor

import (
	"testing"

	"github.com/arborstore/arbor/internal/backend"
	"github.com/stretchr/testify/require"
)

// newTestDB returns a fresh in-memory database for a test, grounded in
// the teacher's table-driven test style (small, self-contained fixtures
// built directly from exported constructors rather than a shared global).
func newTestDB(t *testing.T) *Database {
	t.Helper()
	be := backend.NewMemBackend()
	db, err := NewBuilder().Create(be)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
