package sessiondb

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-neuro/retinomap/internal/frame"
	"github.com/meridian-neuro/retinomap/internal/recorder"
)

const migrationsDir = "../../migrations"

func newTestCatalog(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.MigrateUp(migrationsDir))
	return db
}

func TestMigrationsApplyCleanly(t *testing.T) {
	t.Parallel()
	db := newTestCatalog(t)

	version, dirty, err := db.MigrateVersion(migrationsDir)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	// A second up is a no-op.
	require.NoError(t, db.MigrateUp(migrationsDir))

	// And the last migration rolls back.
	require.NoError(t, db.MigrateDown(migrationsDir))
	version, _, err = db.MigrateVersion(migrationsDir)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	db := newTestCatalog(t)

	dirs := []frame.Direction{frame.LeftToRight, frame.RightToLeft}
	require.NoError(t, db.SessionStarted("id-1", "mouse01-run1", dirs, 2))

	s, err := db.GetSession("mouse01-run1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", s.SessionID)
	assert.Equal(t, dirs, s.Directions)
	assert.Equal(t, 2, s.Cycles)
	assert.False(t, s.Saved)
	assert.Nil(t, s.CompletedAt)

	info := recorder.SessionInfo{
		SessionID:   "id-1",
		SessionName: "mouse01-run1",
		Directions: map[frame.Direction]recorder.DirectionInfo{
			frame.LeftToRight: {StimulusEvents: 90, StimulusFrames: 90, CameraFrames: 90, Sealed: true},
			frame.RightToLeft: {StimulusEvents: 88, StimulusFrames: 88, CameraFrames: 88, Sealed: true},
		},
	}
	require.NoError(t, db.SessionCompleted("mouse01-run1", info))

	s, err = db.GetSession("mouse01-run1")
	require.NoError(t, err)
	assert.True(t, s.Saved)
	require.NotNil(t, s.CompletedAt)

	counts, err := db.DirectionCounts("mouse01-run1")
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, 90, counts[frame.LeftToRight].CameraFrames)
	assert.Equal(t, 88, counts[frame.RightToLeft].StimulusEvents)
	assert.True(t, counts[frame.LeftToRight].Sealed)
}

func TestDuplicateSessionNameRejected(t *testing.T) {
	t.Parallel()
	db := newTestCatalog(t)

	dirs := []frame.Direction{frame.TopToBottom}
	require.NoError(t, db.SessionStarted("id-1", "dup", dirs, 1))
	err := db.SessionStarted("id-2", "dup", dirs, 1)
	require.Error(t, err)
}

func TestCompleteUnknownSession(t *testing.T) {
	t.Parallel()
	db := newTestCatalog(t)

	err := db.SessionCompleted("ghost", recorder.SessionInfo{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in catalog")
}

func TestListSessionsNewestFirst(t *testing.T) {
	t.Parallel()
	db := newTestCatalog(t)

	dirs := []frame.Direction{frame.LeftToRight}
	require.NoError(t, db.SessionStarted("id-1", "a-run", dirs, 1))
	require.NoError(t, db.SessionStarted("id-2", "b-run", dirs, 1))

	sessions, err := db.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	// Same timestamp resolution, so the name tiebreaker orders them.
	assert.Equal(t, "b-run", sessions[0].SessionName)
	assert.Equal(t, "a-run", sessions[1].SessionName)
}

func TestAdminRoutesServeDebugIndex(t *testing.T) {
	t.Parallel()
	db := newTestCatalog(t)

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest("GET", "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
