package mutation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// UnknownKindError is returned when decoding a payload for a kind the client
// does not issue.
type UnknownKindError struct {
	Kind Kind
}

func (e UnknownKindError) Error() string {
	return fmt.Sprintf("unknown mutation %q", e.Kind)
}

// Decode builds the payload for kind from its JSON encoding. Unknown fields
// are rejected. The result is not validated.
func Decode(kind Kind, data []byte) (Mutation, error) {
	switch kind {
	case KindBookAppointment:
		return decode[BookAppointment](kind, data)
	case KindCancelAppointment:
		return decode[CancelAppointment](kind, data)
	case KindRescheduleAppointment:
		return decode[RescheduleAppointment](kind, data)
	case KindCreatePrescription:
		return decode[CreatePrescription](kind, data)
	case KindRequestLab:
		return decode[RequestLab](kind, data)
	case KindRecordLabResult:
		return decode[RecordLabResult](kind, data)
	case KindSendMessage:
		return decode[SendMessage](kind, data)
	case KindMarkNotificationRead:
		return decode[MarkNotificationRead](kind, data)
	case KindUpdateProfile:
		return decode[UpdateProfile](kind, data)
	default:
		return nil, UnknownKindError{Kind: kind}
	}
}

func decode[M Mutation](kind Kind, data []byte) (Mutation, error) {
	var m M
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, ValidationError{Kind: kind, Err: fmt.Errorf("malformed payload: %w", err)}
	}
	return m, nil
}

func (e UnknownKindError) Status() (int, string) {
	return http.StatusNotFound, e.Error()
}
