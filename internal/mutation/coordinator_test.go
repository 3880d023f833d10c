package mutation_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/clinicsync/clinicsync/internal/audit"
	"github.com/clinicsync/clinicsync/internal/cache"
	"github.com/clinicsync/clinicsync/internal/loader"
	"github.com/clinicsync/clinicsync/internal/mutation"
	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/clinicsync/clinicsync/internal/reachability"
	"github.com/clinicsync/clinicsync/internal/role"
	"github.com/clinicsync/clinicsync/internal/session"
	"github.com/clinicsync/clinicsync/internal/storage"
	"github.com/clinicsync/clinicsync/internal/testhelpers"
	"github.com/clinicsync/clinicsync/internal/transport"
	"github.com/clinicsync/clinicsync/internal/transport/transporttest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	cache       *cache.ResourceCache
	transport   *transporttest.Fake
	monitor     *reachability.Monitor
	sessions    *session.Store
	loader      *loader.Loader
	coordinator *mutation.Coordinator
}

func newHarness(t *testing.T, opts ...mutation.Option) *harness {
	t.Helper()
	testhelpers.SetupLogger(t)

	h := &harness{
		cache:     cache.New(),
		transport: transporttest.New(),
		monitor:   reachability.NewMonitor(false),
	}
	h.sessions = session.NewStore(storage.NewMemory(), h.cache)
	h.loader = loader.New(h.cache, h.transport, h.monitor, h.sessions, loader.WithFetchTimeout(5*time.Second))
	t.Cleanup(h.loader.Close)

	coordinator, err := mutation.NewCoordinator(h.cache, h.transport, h.sessions, opts...)
	require.NoError(t, err)
	h.coordinator = coordinator

	return h
}

func (h *harness) signIn(t *testing.T, r role.Role, userID string) {
	t.Helper()
	err := h.sessions.Set(context.Background(), session.Session{
		Token:   testhelpers.ValidSessionToken(t, userID),
		Role:    r,
		Profile: session.Profile{ID: userID},
	})
	require.NoError(t, err)
}

func (h *harness) seed(keys ...query.Key) {
	for _, key := range keys {
		gen := h.cache.BeginFetch(key)
		h.cache.CompleteFetch(key, gen, json.RawMessage(`{"seeded":true}`), nil)
	}
}

func (h *harness) status(key query.Key) cache.Status {
	return h.cache.Read(key).Status
}

type entryRecorder struct {
	mu      sync.Mutex
	entries []cache.Entry
}

func (r *entryRecorder) listen(e cache.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *entryRecorder) last() cache.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return cache.Entry{}
	}
	return r.entries[len(r.entries)-1]
}

func TestNewCoordinator_RefusesIncompleteTable(t *testing.T) {
	table := mutation.DefaultTable()
	delete(table, mutation.KindUpdateProfile)

	_, err := mutation.NewCoordinator(cache.New(), transporttest.New(), session.NewStore(storage.NewMemory(), cache.New()), mutation.WithTable(table))

	var incomplete mutation.IncompleteTableError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []mutation.Kind{mutation.KindUpdateProfile}, incomplete.Missing)
}

func TestExecute_DoctorPrescribes(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, role.Doctor, "D5")

	prescriptions := query.PrescriptionsList("P123")
	detail := query.PatientDetail("P123")
	h.seed(prescriptions, detail, query.ClinicSettings(), query.PrescriptionsList("P124"))

	// the patient-side view mounted on the same list
	view := &entryRecorder{}
	unsubscribe := h.cache.Subscribe(prescriptions, view.listen)
	defer unsubscribe()

	h.transport.SetRead(prescriptions, `[{"id":"RX1","medication":"amoxicillin"}]`, nil)

	data, err := h.coordinator.Execute(context.Background(), mutation.CreatePrescription{
		PatientID:  "P123",
		DoctorID:   "D5",
		Medication: "amoxicillin",
		Dosage:     "500mg",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"patientId":"P123","doctorId":"D5","medication":"amoxicillin","dosage":"500mg"}`, string(data))

	assert.Equal(t, cache.Stale, h.status(detail))
	assert.Contains(t, []cache.Status{cache.Loading, cache.Fresh}, h.status(prescriptions), "subscribed key should already be refetching")
	assert.Equal(t, cache.Fresh, h.status(query.ClinicSettings()))
	assert.Equal(t, cache.Fresh, h.status(query.PrescriptionsList("P124")))

	h.loader.Wait()

	entry := h.cache.Read(prescriptions)
	assert.Equal(t, cache.Fresh, entry.Status)
	assert.JSONEq(t, `[{"id":"RX1","medication":"amoxicillin"}]`, string(entry.Data))
	assert.Equal(t, entry.Data, view.last().Data, "subscriber should render the new prescription")
	assert.Equal(t, 1, h.transport.FetchCount(prescriptions))
	assert.Zero(t, h.transport.FetchCount(detail), "unsubscribed keys are not refetched")

	writes := h.transport.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "create-prescription", writes[0].Operation)
}

func TestExecute_PatientCancels(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, role.Patient, "P9")

	patientList := query.AppointmentsList(role.Patient, "P9")
	doctorList := query.AppointmentsList(role.Doctor, "D5")
	otherDoctor := query.AppointmentsList(role.Doctor, "D6")
	h.seed(patientList, doctorList, otherDoctor, query.AppointmentDetail(role.Patient, "A7"))

	_, err := h.coordinator.Execute(context.Background(), mutation.CancelAppointment{
		AppointmentID: "A7",
		PatientID:     "P9",
		DoctorID:      "D5",
	})
	require.NoError(t, err)

	assert.Equal(t, cache.Stale, h.status(patientList))
	assert.Equal(t, cache.Stale, h.status(doctorList))
	assert.Equal(t, cache.Stale, h.status(query.AppointmentDetail(role.Patient, "A7")))
	assert.Equal(t, cache.Fresh, h.status(otherDoctor))
}

func TestExecute_InvalidationIsOneBatch(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, role.Patient, "P9")

	patientList := query.AppointmentsList(role.Patient, "P9")
	doctorList := query.AppointmentsList(role.Doctor, "D5")
	h.seed(patientList, doctorList)

	var mu sync.Mutex
	var observed []cache.Status
	unsubscribe := h.cache.Subscribe(patientList, func(e cache.Entry) {
		if e.Status != cache.Stale {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, h.cache.Read(doctorList).Status)
	})
	defer unsubscribe()

	_, err := h.coordinator.Execute(context.Background(), mutation.CancelAppointment{
		AppointmentID: "A7",
		PatientID:     "P9",
		DoctorID:      "D5",
	})
	require.NoError(t, err)
	h.loader.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []cache.Status{cache.Stale}, observed, "listener must see the whole batch applied")
}

func TestExecute_ValidationShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, role.Doctor, "D5")
	h.seed(query.PatientDetail("P123"))

	_, err := h.coordinator.Execute(context.Background(), mutation.CreatePrescription{PatientID: "P123", DoctorID: "D5"})

	var verr mutation.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, mutation.KindCreatePrescription, verr.Kind)
	assert.ErrorContains(t, err, "medication is required")
	assert.Empty(t, h.transport.Writes(), "no network effect for a rejected payload")
	assert.Equal(t, cache.Fresh, h.status(query.PatientDetail("P123")))
}

func TestExecute_TransportFailureLeavesCache(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, role.Patient, "P9")

	patientList := query.AppointmentsList(role.Patient, "P9")
	h.seed(patientList)

	h.transport.SetWrite("cancel-appointment", "", &transport.Error{Kind: transport.ServerError, Status: 500, Message: "appointment locked"})

	_, err := h.coordinator.Execute(context.Background(), mutation.CancelAppointment{
		AppointmentID: "A7",
		PatientID:     "P9",
		DoctorID:      "D5",
	})

	var merr mutation.MutationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, transport.ServerError, merr.Failure())
	assert.ErrorContains(t, err, "appointment locked")
	assert.Equal(t, cache.Fresh, h.status(patientList))

	_, ok := h.sessions.Current()
	assert.True(t, ok, "server errors keep the session")
}

func TestExecute_UnauthorizedEndsSession(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, role.Doctor, "D5")

	detail := query.PatientDetail("P123")
	h.seed(detail, query.ClinicSettings())

	h.transport.SetWrite("request-lab", "", &transport.Error{Kind: transport.Unauthorized, Status: 401, Message: "token revoked"})

	_, err := h.coordinator.Execute(context.Background(), mutation.RequestLab{
		PatientID: "P123",
		DoctorID:  "D5",
		Modality:  mutation.ModalityLab,
		Test:      "CBC",
	})
	require.Error(t, err)
	assert.True(t, transport.IsUnauthorized(err))

	_, ok := h.sessions.Current()
	assert.False(t, ok)
	assert.Equal(t, cache.Idle, h.status(detail), "session-scoped entries are evicted")
	assert.Equal(t, cache.Fresh, h.status(query.ClinicSettings()))
}

func TestExecute_OfflineFailsFast(t *testing.T) {
	h := newHarness(t)
	h.coordinator = must(mutation.NewCoordinator(h.cache, h.transport, h.sessions, mutation.WithReachability(h.monitor)))
	h.signIn(t, role.Patient, "P123")
	h.monitor.SetOnline(false)

	_, err := h.coordinator.Execute(context.Background(), mutation.MarkNotificationRead{NotificationID: "N1", Role: role.Patient, UserID: "P123"})

	var merr mutation.MutationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, transport.NetworkError, merr.Failure())
	assert.Empty(t, h.transport.Writes())
}

func TestExecute_SimulationIgnoresConnectivity(t *testing.T) {
	h := newHarness(t)
	h.monitor = reachability.NewMonitor(true)
	h.coordinator = must(mutation.NewCoordinator(h.cache, h.transport, h.sessions, mutation.WithReachability(h.monitor)))
	h.monitor.SetOnline(false)

	_, err := h.coordinator.Execute(context.Background(), mutation.MarkNotificationRead{NotificationID: "N1", Role: role.Patient, UserID: "P123"})

	require.NoError(t, err)
	assert.Len(t, h.transport.Writes(), 1)
}

func TestExecute_PointerPayload(t *testing.T) {
	h := newHarness(t)
	h.seed(query.Notifications(role.Nurse, "N4"))

	_, err := h.coordinator.Execute(context.Background(), &mutation.MarkNotificationRead{NotificationID: "N1", Role: role.Nurse, UserID: "N4"})

	require.NoError(t, err)
	assert.Equal(t, cache.Stale, h.status(query.Notifications(role.Nurse, "N4")))
}

func TestExecute_WritesAuditLine(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, role.Doctor, "D5")
	h.seed(query.PrescriptionsList("P123"), query.PatientDetail("P123"))

	var buf bytes.Buffer
	ctx := zerolog.New(&buf).WithContext(context.Background())

	_, err := h.coordinator.Execute(ctx, mutation.CreatePrescription{PatientID: "P123", DoctorID: "D5", Medication: "x", Dosage: "1"})
	require.NoError(t, err)

	_, err = h.coordinator.Execute(ctx, mutation.CreatePrescription{PatientID: "P123"})
	require.Error(t, err)

	lines := auditLines(t, &buf)
	require.Len(t, lines, 2)

	assert.Equal(t, map[string]any{"role": "doctor", "user": "D5"}, lines[0]["session"])
	success := lines[0]["mutation"].(map[string]any)
	assert.Equal(t, "create-prescription", success["kind"])
	assert.Equal(t, "success", success["outcome"])
	assert.Equal(t, float64(2), success["invalidated"])

	rejected := lines[1]["mutation"].(map[string]any)
	assert.Equal(t, "rejected", rejected["outcome"])
	assert.Contains(t, lines[1]["error"], "dosage is required")
}

func TestExecute_FillsAttachedAuditEntry(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, role.Doctor, "D5")
	h.seed(query.PrescriptionsList("P123"), query.PatientDetail("P123"))

	var buf bytes.Buffer
	ctx, entry := audit.Context(zerolog.New(&buf).WithContext(context.Background()))

	_, err := h.coordinator.Execute(ctx, mutation.CreatePrescription{PatientID: "P123", DoctorID: "D5", Medication: "x", Dosage: "1"})
	require.NoError(t, err)

	assert.Empty(t, auditLines(t, &buf), "the owner of the attached entry writes it")
	assert.Equal(t, "create-prescription", entry.Mutation)
	assert.Equal(t, "success", entry.Outcome)
	assert.Equal(t, "doctor", entry.Role)
	assert.Equal(t, "D5", entry.UserID)
	assert.Len(t, entry.InvalidatedKeys, 2)
}

func auditLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line["audit"] == true {
			lines = append(lines, line)
		}
	}
	return lines
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
