package mutation_test

import (
	"testing"

	"github.com/clinicsync/clinicsync/internal/mutation"
	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/clinicsync/clinicsync/internal/role"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable_Complete(t *testing.T) {
	require.NoError(t, mutation.DefaultTable().Check(mutation.Kinds...))

	for _, m := range samples {
		patterns, err := mutation.DefaultTable().Patterns(m)
		require.NoError(t, err, m.Kind())
		assert.NotEmpty(t, patterns, "%s declares no invalidations", m.Kind())
	}
}

func TestTable_CheckReportsMissing(t *testing.T) {
	table := mutation.DefaultTable()
	delete(table, mutation.KindSendMessage)
	delete(table, mutation.KindRequestLab)

	err := table.Check(mutation.Kinds...)

	var incomplete mutation.IncompleteTableError
	require.ErrorAs(t, err, &incomplete)
	assert.ElementsMatch(t, []mutation.Kind{mutation.KindSendMessage, mutation.KindRequestLab}, incomplete.Missing)
	assert.EqualError(t, err, "no invalidation rule declared for: request-lab, send-message")
}

func TestTable_PatternsWithoutRule(t *testing.T) {
	_, err := mutation.Table{}.Patterns(mutation.CancelAppointment{})

	var incomplete mutation.IncompleteTableError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []mutation.Kind{mutation.KindCancelAppointment}, incomplete.Missing)
}

type mislabelled struct {
	mutation.CreatePrescription
}

func (mislabelled) Kind() mutation.Kind { return mutation.KindCancelAppointment }

func TestTable_RuleRejectsForeignPayload(t *testing.T) {
	_, err := mutation.DefaultTable().Patterns(mislabelled{})

	assert.ErrorContains(t, err, "cannot handle payload mutation_test.mislabelled")
}

func TestTable_AcceptsPointerPayload(t *testing.T) {
	byValue, err := mutation.DefaultTable().Patterns(mutation.CancelAppointment{AppointmentID: "A7", PatientID: "P9", DoctorID: "D5"})
	require.NoError(t, err)

	byPointer, err := mutation.DefaultTable().Patterns(&mutation.CancelAppointment{AppointmentID: "A7", PatientID: "P9", DoctorID: "D5"})
	require.NoError(t, err)

	assert.Equal(t, mutation.Describe(byValue), mutation.Describe(byPointer))
}

func TestDefaultTable_Invalidations(t *testing.T) {
	cases := []struct {
		name      string
		payload   mutation.Mutation
		stale     []query.Key
		untouched []query.Key
	}{
		{
			name:    "book appointment",
			payload: mutation.BookAppointment{PatientID: "P9", DoctorID: "D5", Start: start},
			stale: []query.Key{
				query.AppointmentsList(role.Patient, "P9"),
				query.AppointmentsList(role.Doctor, "D5"),
				query.AppointmentsList(role.Nurse, "N1"),
				query.PatientDetail("P9"),
				query.PatientsList(role.Doctor, "D5"),
			},
			untouched: []query.Key{
				query.AppointmentsList(role.Patient, "P10"),
				query.AppointmentsList(role.Doctor, "D6"),
				query.ClinicSettings(),
			},
		},
		{
			name:    "cancel appointment",
			payload: mutation.CancelAppointment{AppointmentID: "A7", PatientID: "P9", DoctorID: "D5"},
			stale: []query.Key{
				query.AppointmentsList(role.Patient, "P9"),
				query.AppointmentsList(role.Doctor, "D5"),
				query.AppointmentDetail(role.Patient, "A7"),
				query.AppointmentDetail(role.Doctor, "A7"),
				query.AppointmentDetail(role.Nurse, "A7"),
			},
			untouched: []query.Key{
				query.AppointmentsList(role.Doctor, "D6"),
				query.AppointmentDetail(role.Patient, "A8"),
				query.PrescriptionsList("P9"),
			},
		},
		{
			name:    "reschedule appointment",
			payload: mutation.RescheduleAppointment{AppointmentID: "A7", PatientID: "P9", DoctorID: "D5", Start: start},
			stale: []query.Key{
				query.AppointmentsList(role.Patient, "P9"),
				query.AppointmentsList(role.Doctor, "D5"),
				query.AppointmentDetail(role.Doctor, "A7"),
			},
			untouched: []query.Key{
				query.AppointmentDetail(role.Doctor, "A70"),
			},
		},
		{
			name:    "create prescription",
			payload: mutation.CreatePrescription{PatientID: "P123", DoctorID: "D5", Medication: "amoxicillin", Dosage: "500mg"},
			stale: []query.Key{
				query.PrescriptionsList("P123"),
				query.PrescriptionsList(""),
				query.PatientDetail("P123"),
				query.Notifications(role.Patient, "P123"),
			},
			untouched: []query.Key{
				query.PrescriptionsList("P124"),
				query.PatientDetail("P124"),
				query.ResultsList("P123"),
			},
		},
		{
			name:    "request lab",
			payload: mutation.RequestLab{PatientID: "P123", DoctorID: "D5", Modality: mutation.ModalityImaging, Test: "MRI"},
			stale: []query.Key{
				query.PatientDetail("P123"),
				query.ResultsList("P123"),
				query.ResultsList(""),
				query.OrdersList("P123"),
			},
			untouched: []query.Key{
				query.ResultsList("P124"),
				query.PrescriptionsList("P123"),
			},
		},
		{
			name:    "record lab result",
			payload: mutation.RecordLabResult{OrderID: "O1", PatientID: "P123", Summary: "ok"},
			stale: []query.Key{
				query.ResultsList("P123"),
				query.OrdersList("P123"),
				query.OrdersList(""),
				query.Notifications(role.Patient, "P123"),
			},
			untouched: []query.Key{
				query.Notifications(role.Doctor, "D5"),
			},
		},
		{
			name: "send message",
			payload: mutation.SendMessage{
				ThreadID: "T1", SenderRole: role.Doctor, SenderID: "D5",
				RecipientRole: role.Patient, RecipientID: "P123", Body: "hello",
			},
			stale: []query.Key{
				query.ChatThread(role.Patient, "T1"),
				query.ChatThread(role.Doctor, "T1"),
				query.ChatThreads(role.Doctor, "D5"),
				query.ChatThreads(role.Patient, "P123"),
				query.Notifications(role.Patient, "P123"),
			},
			untouched: []query.Key{
				query.ChatThread(role.Patient, "T2"),
				query.Notifications(role.Doctor, "D5"),
			},
		},
		{
			name:    "mark notification read",
			payload: mutation.MarkNotificationRead{NotificationID: "N1", Role: role.Nurse, UserID: "N4"},
			stale: []query.Key{
				query.Notifications(role.Nurse, "N4"),
			},
			untouched: []query.Key{
				query.Notifications(role.Nurse, "N5"),
				query.Notifications(role.Patient, "N4"),
			},
		},
		{
			name:    "doctor updates profile",
			payload: mutation.UpdateProfile{Role: role.Doctor, UserID: "D5", Name: "Dr Who"},
			stale: []query.Key{
				query.Profile(role.Doctor, "D5"),
				query.DoctorsDirectory(),
			},
			untouched: []query.Key{
				query.ClinicSettings(),
				query.Profile(role.Patient, "D5"),
			},
		},
		{
			name:    "patient updates profile",
			payload: mutation.UpdateProfile{Role: role.Patient, UserID: "P1", Phone: "555"},
			stale: []query.Key{
				query.Profile(role.Patient, "P1"),
				query.PatientDetail("P1"),
				query.PatientsList(role.Doctor, "D5"),
				query.PatientsList(role.Nurse, "N4"),
			},
			untouched: []query.Key{
				query.DoctorsDirectory(),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patterns, err := mutation.DefaultTable().Patterns(tc.payload)
			require.NoError(t, err)
			invalidation := query.AnyOf(patterns...)

			for _, key := range tc.stale {
				assert.True(t, invalidation.Match(key), "expected %s to be invalidated", key)
			}
			for _, key := range tc.untouched {
				assert.False(t, invalidation.Match(key), "expected %s to be left alone", key)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	described := mutation.Describe([]query.Pattern{
		query.Exact(query.PatientDetail("P1")),
		query.OfKind(query.KindPatients),
		query.Exact(query.PatientDetail("P1")),
	})

	assert.Equal(t, []string{"patient/patient=P1", "patients/**"}, described)
}
