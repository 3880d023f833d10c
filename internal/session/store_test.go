package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/clinicsync/clinicsync/internal/cache"
	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/clinicsync/clinicsync/internal/role"
	"github.com/clinicsync/clinicsync/internal/session"
	"github.com/clinicsync/clinicsync/internal/storage"
	"github.com/clinicsync/clinicsync/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStorage wraps Memory, counting deletes and optionally failing.
type recordingStorage struct {
	*storage.Memory
	deletes   int
	saveErr   error
	loadErr   error
	deleteErr error
}

func newRecordingStorage() *recordingStorage {
	return &recordingStorage{Memory: storage.NewMemory()}
}

func (r *recordingStorage) Save(ctx context.Context, key string, value []byte) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	return r.Memory.Save(ctx, key, value)
}

func (r *recordingStorage) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if r.loadErr != nil {
		return nil, false, r.loadErr
	}
	return r.Memory.Load(ctx, key)
}

func (r *recordingStorage) Delete(ctx context.Context, key string) error {
	r.deletes++
	if r.deleteErr != nil {
		return r.deleteErr
	}
	return r.Memory.Delete(ctx, key)
}

func doctorSession(t *testing.T) session.Session {
	return session.Session{
		Token:   testhelpers.ValidSessionToken(t, "D5"),
		Role:    role.Doctor,
		Profile: session.Profile{ID: "D5", Name: "Dr Ada", Email: "ada@clinic.example"},
	}
}

func patientSession(t *testing.T) session.Session {
	return session.Session{
		Token:   testhelpers.ValidSessionToken(t, "P123"),
		Role:    role.Patient,
		Profile: session.Profile{ID: "P123", Name: "Pat"},
	}
}

func fetched(t *testing.T, c *cache.ResourceCache, key query.Key) {
	t.Helper()
	gen := c.BeginFetch(key)
	require.True(t, c.CompleteFetch(key, gen, json.RawMessage(`{}`), nil))
}

func TestStore_SetRestoreRoundTrip(t *testing.T) {
	testhelpers.SetupLogger(t)
	ctx := context.Background()
	st := storage.NewMemory()

	first := session.NewStore(st, cache.New())
	original := doctorSession(t)
	require.NoError(t, first.Set(ctx, original))

	second := session.NewStore(st, cache.New())
	restored, ok := second.Restore(ctx)
	require.True(t, ok)
	assert.Equal(t, original, restored)

	current, ok := second.Current()
	assert.True(t, ok)
	assert.Equal(t, original, current)
	assert.Equal(t, original.Token, second.Token())
}

func TestStore_RestoreNothingStored(t *testing.T) {
	testhelpers.SetupLogger(t)
	st := newRecordingStorage()
	s := session.NewStore(st, cache.New())

	_, ok := s.Restore(context.Background())
	assert.False(t, ok)
	assert.Zero(t, st.deletes, "absence is not corruption")
	assert.Empty(t, s.Token())
}

func TestStore_RestoreSelfHeals(t *testing.T) {
	expired := session.Session{
		Role:    role.Patient,
		Profile: session.Profile{ID: "P123"},
	}

	tests := []struct {
		name  string
		setup func(t *testing.T, st *recordingStorage)
	}{
		{
			name: "malformed bytes",
			setup: func(t *testing.T, st *recordingStorage) {
				require.NoError(t, st.Memory.Save(context.Background(), "session", []byte("{garbage")))
			},
		},
		{
			name: "unknown role",
			setup: func(t *testing.T, st *recordingStorage) {
				require.NoError(t, st.Memory.Save(context.Background(), "session", []byte(`{"token":"t","role":"admin","profile":{"id":"X"}}`)))
			},
		},
		{
			name: "incomplete session",
			setup: func(t *testing.T, st *recordingStorage) {
				require.NoError(t, st.Memory.Save(context.Background(), "session", []byte(`{"token":"","role":"doctor","profile":{"id":"D5"}}`)))
			},
		},
		{
			name: "expired token",
			setup: func(t *testing.T, st *recordingStorage) {
				s := expired
				s.Token = testhelpers.CreateSessionToken(t, "P123", time.Now().Add(-time.Minute))
				data, err := json.Marshal(s)
				require.NoError(t, err)
				require.NoError(t, st.Memory.Save(context.Background(), "session", data))
			},
		},
		{
			name: "storage failure",
			setup: func(t *testing.T, st *recordingStorage) {
				st.loadErr = errors.New("decryption failed")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testhelpers.SetupLogger(t)
			ctx := context.Background()
			st := newRecordingStorage()
			tt.setup(t, st)

			s := session.NewStore(st, cache.New())
			_, ok := s.Restore(ctx)

			assert.False(t, ok)
			assert.Equal(t, 1, st.deletes, "corrupt state triggers delete")
			_, ok = s.Current()
			assert.False(t, ok)

			_, found, err := st.Memory.Load(ctx, "session")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStore_PersistsBeforeNotify(t *testing.T) {
	testhelpers.SetupLogger(t)
	ctx := context.Background()
	st := storage.NewMemory()
	s := session.NewStore(st, cache.New())

	var persistedAtNotify bool
	s.Subscribe(func(_ session.Session, ok bool) {
		_, found, err := st.Load(ctx, "session")
		persistedAtNotify = ok && found && err == nil
	})

	require.NoError(t, s.Set(ctx, doctorSession(t)))
	assert.True(t, persistedAtNotify)
}

func TestStore_SetFailsWithoutSideEffects(t *testing.T) {
	testhelpers.SetupLogger(t)
	ctx := context.Background()
	st := newRecordingStorage()
	st.saveErr = errors.New("disk full")
	s := session.NewStore(st, cache.New())

	notified := false
	s.Subscribe(func(session.Session, bool) { notified = true })

	err := s.Set(ctx, doctorSession(t))
	assert.ErrorContains(t, err, "persisting session")
	assert.False(t, notified)
	_, ok := s.Current()
	assert.False(t, ok)
}

func TestStore_SetRejectsInvalid(t *testing.T) {
	s := session.NewStore(storage.NewMemory(), cache.New())
	err := s.Set(context.Background(), session.Session{Token: "t"})
	assert.ErrorContains(t, err, "invalid session")
}

func TestStore_ClearEvictsOnlySessionScopedEntries(t *testing.T) {
	testhelpers.SetupLogger(t)
	ctx := context.Background()
	c := cache.New()
	st := newRecordingStorage()
	s := session.NewStore(st, c)
	require.NoError(t, s.Set(ctx, doctorSession(t)))

	scoped := []query.Key{
		query.AppointmentsList(role.Doctor, "D5"),
		query.PatientDetail("P123"),
		query.PrescriptionsList(""),
		query.ChatThread(role.Doctor, "T1"),
	}
	public := []query.Key{query.ClinicSettings(), query.DoctorsDirectory()}
	for _, k := range append(scoped, public...) {
		fetched(t, c, k)
	}

	var cleared bool
	s.Subscribe(func(_ session.Session, ok bool) { cleared = !ok })

	require.NoError(t, s.Clear(ctx))

	assert.True(t, cleared)
	assert.Equal(t, 1, st.deletes)
	assert.Empty(t, s.Token())
	for _, k := range scoped {
		assert.Equal(t, cache.Idle, c.Read(k).Status, k.String())
	}
	for _, k := range public {
		assert.Equal(t, cache.Fresh, c.Read(k).Status, k.String())
	}
}

func TestStore_ClearSurvivesStorageFailure(t *testing.T) {
	testhelpers.SetupLogger(t)
	ctx := context.Background()
	st := newRecordingStorage()
	s := session.NewStore(st, cache.New())
	require.NoError(t, s.Set(ctx, doctorSession(t)))

	st.deleteErr = errors.New("read-only")
	err := s.Clear(ctx)

	assert.ErrorContains(t, err, "deleting persisted session")
	_, ok := s.Current()
	assert.False(t, ok, "in-memory session is cleared regardless")
}

func TestStore_SetEvictsOnIdentityChange(t *testing.T) {
	testhelpers.SetupLogger(t)
	ctx := context.Background()
	c := cache.New()
	s := session.NewStore(storage.NewMemory(), c)
	key := query.AppointmentsList(role.Doctor, "D5")

	doctor := doctorSession(t)
	require.NoError(t, s.Set(ctx, doctor))
	fetched(t, c, key)

	refreshed := doctor
	refreshed.Token = testhelpers.CreateSessionToken(t, "D5", time.Now().Add(2*time.Hour))
	require.NoError(t, s.Set(ctx, refreshed))
	assert.Equal(t, cache.Fresh, c.Read(key).Status, "token refresh keeps cached data")

	require.NoError(t, s.Set(ctx, patientSession(t)))
	assert.Equal(t, cache.Idle, c.Read(key).Status, "a different user starts from an empty scope")
}

func TestStore_Unsubscribe(t *testing.T) {
	testhelpers.SetupLogger(t)
	s := session.NewStore(storage.NewMemory(), cache.New())

	calls := 0
	unsubscribe := s.Subscribe(func(session.Session, bool) { calls++ })

	require.NoError(t, s.Set(context.Background(), doctorSession(t)))
	unsubscribe()
	unsubscribe()
	require.NoError(t, s.Set(context.Background(), patientSession(t)))

	assert.Equal(t, 1, calls)
}

func TestStore_RestoreNotifies(t *testing.T) {
	testhelpers.SetupLogger(t)
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, session.NewStore(st, cache.New()).Set(ctx, patientSession(t)))

	s := session.NewStore(st, cache.New(), session.WithClock(time.Now))
	var got session.Session
	s.Subscribe(func(current session.Session, ok bool) {
		if ok {
			got = current
		}
	})

	_, ok := s.Restore(ctx)
	require.True(t, ok)
	assert.Equal(t, "P123", got.Profile.ID)
}
