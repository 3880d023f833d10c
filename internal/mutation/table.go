package mutation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/clinicsync/clinicsync/internal/role"
)

// Rule returns the patterns of every cache key a successful mutation could
// have staled.
type Rule func(m Mutation) ([]query.Pattern, error)

// Table declares the invalidation rule for each mutation kind.
type Table map[Kind]Rule

// IncompleteTableError lists mutation kinds without a declared rule.
type IncompleteTableError struct {
	Missing []Kind
}

func (e IncompleteTableError) Error() string {
	names := make([]string, len(e.Missing))
	for i, k := range e.Missing {
		names[i] = string(k)
	}
	return fmt.Sprintf("no invalidation rule declared for: %s", strings.Join(names, ", "))
}

// Check reports the kinds that have no rule in t.
func (t Table) Check(kinds ...Kind) error {
	var missing []Kind
	for _, k := range kinds {
		if t[k] == nil {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return IncompleteTableError{Missing: missing}
	}
	return nil
}

// Patterns resolves the invalidation set for m.
func (t Table) Patterns(m Mutation) ([]query.Pattern, error) {
	r := t[m.Kind()]
	if r == nil {
		return nil, IncompleteTableError{Missing: []Kind{m.Kind()}}
	}
	return r(m)
}

// rule adapts a typed pattern function to a Rule. The payload may be passed
// by value or by pointer.
func rule[M Mutation](patterns func(M) []query.Pattern) Rule {
	return func(m Mutation) ([]query.Pattern, error) {
		switch v := any(m).(type) {
		case M:
			return patterns(v), nil
		case *M:
			if v != nil {
				return patterns(*v), nil
			}
		}
		return nil, fmt.Errorf("invalidation rule cannot handle payload %T", m)
	}
}

// DefaultTable is the invalidation table for the clinical API.
func DefaultTable() Table {
	return Table{
		KindBookAppointment: rule(func(m BookAppointment) []query.Pattern {
			return appointmentParties(m.PatientID, m.DoctorID)
		}),
		KindCancelAppointment: rule(func(m CancelAppointment) []query.Pattern {
			return append(appointmentParties(m.PatientID, m.DoctorID), appointmentViews(m.AppointmentID))
		}),
		KindRescheduleAppointment: rule(func(m RescheduleAppointment) []query.Pattern {
			return append(appointmentParties(m.PatientID, m.DoctorID), appointmentViews(m.AppointmentID))
		}),
		KindCreatePrescription: rule(func(m CreatePrescription) []query.Pattern {
			return []query.Pattern{
				query.Exact(query.PrescriptionsList(m.PatientID)),
				query.Exact(query.PrescriptionsList("")),
				query.Exact(query.PatientDetail(m.PatientID)),
				query.Exact(query.Notifications(role.Patient, m.PatientID)),
			}
		}),
		KindRequestLab: rule(func(m RequestLab) []query.Pattern {
			return []query.Pattern{
				query.Exact(query.PatientDetail(m.PatientID)),
				query.Exact(query.ResultsList(m.PatientID)),
				query.Exact(query.ResultsList("")),
				query.Exact(query.OrdersList(m.PatientID)),
				query.Exact(query.OrdersList("")),
			}
		}),
		KindRecordLabResult: rule(func(m RecordLabResult) []query.Pattern {
			return []query.Pattern{
				query.Exact(query.ResultsList(m.PatientID)),
				query.Exact(query.ResultsList("")),
				query.Exact(query.OrdersList(m.PatientID)),
				query.Exact(query.OrdersList("")),
				query.Exact(query.PatientDetail(m.PatientID)),
				query.Exact(query.Notifications(role.Patient, m.PatientID)),
			}
		}),
		KindSendMessage: rule(func(m SendMessage) []query.Pattern {
			return []query.Pattern{
				query.Shape(query.KindChatThread, query.Wildcard(query.DimRole), query.ID(query.DimThread, m.ThreadID)),
				query.Exact(query.ChatThreads(m.SenderRole, m.SenderID)),
				query.Exact(query.ChatThreads(m.RecipientRole, m.RecipientID)),
				query.Exact(query.Notifications(m.RecipientRole, m.RecipientID)),
			}
		}),
		KindMarkNotificationRead: rule(func(m MarkNotificationRead) []query.Pattern {
			return []query.Pattern{
				query.Exact(query.Notifications(m.Role, m.UserID)),
			}
		}),
		KindUpdateProfile: rule(func(m UpdateProfile) []query.Pattern {
			patterns := []query.Pattern{
				query.Exact(query.Profile(m.Role, m.UserID)),
			}
			switch m.Role {
			case role.Doctor:
				patterns = append(patterns, query.Exact(query.DoctorsDirectory()))
			case role.Patient:
				patterns = append(patterns,
					query.Exact(query.PatientDetail(m.UserID)),
					query.OfKind(query.KindPatients),
				)
			}
			return patterns
		}),
	}
}

// appointmentParties covers the appointment lists of both parties, every
// nurse's list, the patient's clinical record and the doctor's roster.
func appointmentParties(patientID, doctorID string) []query.Pattern {
	return []query.Pattern{
		query.Exact(query.AppointmentsList(role.Patient, patientID)),
		query.Exact(query.AppointmentsList(role.Doctor, doctorID)),
		query.Shape(query.KindAppointments, query.RoleSegment(role.Nurse), query.Wildcard(query.DimNurse)),
		query.Exact(query.PatientDetail(patientID)),
		query.Exact(query.PatientsList(role.Doctor, doctorID)),
	}
}

// appointmentViews covers the detail view of one appointment from every role.
func appointmentViews(appointmentID string) query.Pattern {
	return query.Shape(query.KindAppointment, query.Wildcard(query.DimRole), query.ID(query.DimAppointment, appointmentID))
}

// Describe renders patterns as sorted, de-duplicated strings.
func Describe(patterns []query.Pattern) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = p.String()
	}
	slices.Sort(out)
	return slices.Compact(out)
}
