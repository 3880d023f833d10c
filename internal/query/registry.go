package query

import "github.com/clinicsync/clinicsync/internal/role"

// AppointmentsList is the appointment list seen by owner acting as r.
func AppointmentsList(r role.Role, ownerID string) Key {
	return Key{Kind: KindAppointments, Scope: []Segment{RoleSegment(r), UserSegment(r, ownerID)}}
}

// AppointmentDetail is a single appointment as seen from the perspective of r.
// Clinician views carry notes the patient view does not.
func AppointmentDetail(r role.Role, appointmentID string) Key {
	return Key{Kind: KindAppointment, Scope: []Segment{RoleSegment(r), ID(DimAppointment, appointmentID)}}
}

// PrescriptionsList is a patient's prescriptions. An empty patientID means the
// authenticated patient's own list.
func PrescriptionsList(patientID string) Key {
	return Key{Kind: KindPrescriptions, Scope: []Segment{optionalID(DimPatient, patientID)}}
}

// ResultsList is a patient's lab and imaging results. An empty patientID means
// the authenticated patient's own results.
func ResultsList(patientID string) Key {
	return Key{Kind: KindResults, Scope: []Segment{optionalID(DimPatient, patientID)}}
}

// OrdersList is the lab and imaging orders raised for a patient.
func OrdersList(patientID string) Key {
	return Key{Kind: KindOrders, Scope: []Segment{optionalID(DimPatient, patientID)}}
}

// PatientDetail is the clinician-facing record of one patient.
func PatientDetail(patientID string) Key {
	return Key{Kind: KindPatient, Scope: []Segment{ID(DimPatient, patientID)}}
}

// PatientsList is the roster of patients assigned to a clinician.
func PatientsList(r role.Role, ownerID string) Key {
	return Key{Kind: KindPatients, Scope: []Segment{RoleSegment(r), UserSegment(r, ownerID)}}
}

// ChatThreads lists the threads a user participates in.
func ChatThreads(r role.Role, userID string) Key {
	return Key{Kind: KindChatThreads, Scope: []Segment{RoleSegment(r), UserSegment(r, userID)}}
}

// ChatThread is one thread as seen from the perspective of r. The same thread
// renders differently per role, so the role is part of the key.
func ChatThread(r role.Role, threadID string) Key {
	return Key{Kind: KindChatThread, Scope: []Segment{RoleSegment(r), ID(DimThread, threadID)}}
}

// Notifications is a user's notification feed.
func Notifications(r role.Role, userID string) Key {
	return Key{Kind: KindNotifications, Scope: []Segment{RoleSegment(r), UserSegment(r, userID)}}
}

// Profile is a user's own profile.
func Profile(r role.Role, userID string) Key {
	return Key{Kind: KindProfile, Scope: []Segment{RoleSegment(r), UserSegment(r, userID)}}
}

// ClinicSettings is public clinic configuration. It carries no session scope
// and survives logout.
func ClinicSettings() Key {
	return Key{Kind: KindClinicSettings}
}

// DoctorsDirectory is the public list of practitioners.
func DoctorsDirectory() Key {
	return Key{Kind: KindDoctorsDirectory}
}
