// Package mutation executes writes against the clinical API and applies the
// cache invalidations each write implies.
package mutation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clinicsync/clinicsync/internal/role"
)

// Kind names a mutation. It is also the operation name sent to the API.
type Kind string

const (
	KindBookAppointment       Kind = "book-appointment"
	KindCancelAppointment     Kind = "cancel-appointment"
	KindRescheduleAppointment Kind = "reschedule-appointment"
	KindCreatePrescription    Kind = "create-prescription"
	KindRequestLab            Kind = "request-lab"
	KindRecordLabResult       Kind = "record-lab-result"
	KindSendMessage           Kind = "send-message"
	KindMarkNotificationRead  Kind = "mark-notification-read"
	KindUpdateProfile         Kind = "update-profile"
)

// Kinds lists every mutation the client can issue. A Table must declare a
// rule for each of them.
var Kinds = []Kind{
	KindBookAppointment,
	KindCancelAppointment,
	KindRescheduleAppointment,
	KindCreatePrescription,
	KindRequestLab,
	KindRecordLabResult,
	KindSendMessage,
	KindMarkNotificationRead,
	KindUpdateProfile,
}

// Mutation is a write payload. Validate checks structure only; it never
// performs I/O.
type Mutation interface {
	Kind() Kind
	Validate() error
}

type BookAppointment struct {
	PatientID string    `json:"patientId"`
	DoctorID  string    `json:"doctorId"`
	Start     time.Time `json:"start"`
	Reason    string    `json:"reason,omitempty"`
}

func (BookAppointment) Kind() Kind { return KindBookAppointment }

func (m BookAppointment) Validate() error {
	var p problems
	p.require("patientId", m.PatientID)
	p.require("doctorId", m.DoctorID)
	p.requireTime("start", m.Start)
	return p.err()
}

// CancelAppointment names both parties so the appointment disappears from
// each of their views.
type CancelAppointment struct {
	AppointmentID string `json:"appointmentId"`
	PatientID     string `json:"patientId"`
	DoctorID      string `json:"doctorId"`
	Reason        string `json:"reason,omitempty"`
}

func (CancelAppointment) Kind() Kind { return KindCancelAppointment }

func (m CancelAppointment) Validate() error {
	var p problems
	p.require("appointmentId", m.AppointmentID)
	p.require("patientId", m.PatientID)
	p.require("doctorId", m.DoctorID)
	return p.err()
}

type RescheduleAppointment struct {
	AppointmentID string    `json:"appointmentId"`
	PatientID     string    `json:"patientId"`
	DoctorID      string    `json:"doctorId"`
	Start         time.Time `json:"start"`
}

func (RescheduleAppointment) Kind() Kind { return KindRescheduleAppointment }

func (m RescheduleAppointment) Validate() error {
	var p problems
	p.require("appointmentId", m.AppointmentID)
	p.require("patientId", m.PatientID)
	p.require("doctorId", m.DoctorID)
	p.requireTime("start", m.Start)
	return p.err()
}

type CreatePrescription struct {
	PatientID    string `json:"patientId"`
	DoctorID     string `json:"doctorId"`
	Medication   string `json:"medication"`
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions,omitempty"`
}

func (CreatePrescription) Kind() Kind { return KindCreatePrescription }

func (m CreatePrescription) Validate() error {
	var p problems
	p.require("patientId", m.PatientID)
	p.require("doctorId", m.DoctorID)
	p.require("medication", m.Medication)
	p.require("dosage", m.Dosage)
	return p.err()
}

// Modality distinguishes laboratory orders from imaging orders.
type Modality string

const (
	ModalityLab     Modality = "lab"
	ModalityImaging Modality = "imaging"
)

type RequestLab struct {
	PatientID string   `json:"patientId"`
	DoctorID  string   `json:"doctorId"`
	Modality  Modality `json:"modality"`
	Test      string   `json:"test"`
	Notes     string   `json:"notes,omitempty"`
}

func (RequestLab) Kind() Kind { return KindRequestLab }

func (m RequestLab) Validate() error {
	var p problems
	p.require("patientId", m.PatientID)
	p.require("doctorId", m.DoctorID)
	p.require("test", m.Test)
	switch m.Modality {
	case ModalityLab, ModalityImaging:
	default:
		p.add(fmt.Errorf("modality %q is not one of %q, %q", m.Modality, ModalityLab, ModalityImaging))
	}
	return p.err()
}

type RecordLabResult struct {
	OrderID   string `json:"orderId"`
	PatientID string `json:"patientId"`
	Summary   string `json:"summary"`
	Abnormal  bool   `json:"abnormal,omitempty"`
}

func (RecordLabResult) Kind() Kind { return KindRecordLabResult }

func (m RecordLabResult) Validate() error {
	var p problems
	p.require("orderId", m.OrderID)
	p.require("patientId", m.PatientID)
	p.require("summary", m.Summary)
	return p.err()
}

// SendMessage posts to a thread. Sender and recipient are identified with
// their roles because thread views are partitioned by role.
type SendMessage struct {
	ThreadID      string    `json:"threadId"`
	SenderRole    role.Role `json:"senderRole"`
	SenderID      string    `json:"senderId"`
	RecipientRole role.Role `json:"recipientRole"`
	RecipientID   string    `json:"recipientId"`
	Body          string    `json:"body"`
}

func (SendMessage) Kind() Kind { return KindSendMessage }

func (m SendMessage) Validate() error {
	var p problems
	p.require("threadId", m.ThreadID)
	p.requireRole("senderRole", m.SenderRole)
	p.require("senderId", m.SenderID)
	p.requireRole("recipientRole", m.RecipientRole)
	p.require("recipientId", m.RecipientID)
	p.require("body", m.Body)
	return p.err()
}

type MarkNotificationRead struct {
	NotificationID string    `json:"notificationId"`
	Role           role.Role `json:"role"`
	UserID         string    `json:"userId"`
}

func (MarkNotificationRead) Kind() Kind { return KindMarkNotificationRead }

func (m MarkNotificationRead) Validate() error {
	var p problems
	p.require("notificationId", m.NotificationID)
	p.requireRole("role", m.Role)
	p.require("userId", m.UserID)
	return p.err()
}

type UpdateProfile struct {
	Role   role.Role `json:"role"`
	UserID string    `json:"userId"`
	Name   string    `json:"name,omitempty"`
	Email  string    `json:"email,omitempty"`
	Phone  string    `json:"phone,omitempty"`
}

func (UpdateProfile) Kind() Kind { return KindUpdateProfile }

func (m UpdateProfile) Validate() error {
	var p problems
	p.requireRole("role", m.Role)
	p.require("userId", m.UserID)
	if m.Name == "" && m.Email == "" && m.Phone == "" {
		p.add(errors.New("at least one of name, email, phone must change"))
	}
	if m.Email != "" && !strings.Contains(m.Email, "@") {
		p.add(fmt.Errorf("email %q is not an address", m.Email))
	}
	return p.err()
}

type problems []error

func (p *problems) add(err error) {
	*p = append(*p, err)
}

func (p *problems) require(field, value string) {
	if strings.TrimSpace(value) == "" {
		p.add(fmt.Errorf("%s is required", field))
	}
}

func (p *problems) requireTime(field string, value time.Time) {
	if value.IsZero() {
		p.add(fmt.Errorf("%s is required", field))
	}
}

func (p *problems) requireRole(field string, value role.Role) {
	if !value.Valid() {
		p.add(fmt.Errorf("%s %q is not a clinical role", field, value))
	}
}

func (p problems) err() error {
	return errors.Join(p...)
}
