package fixture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clinicsync/clinicsync/internal/query"
	"github.com/clinicsync/clinicsync/internal/role"
	"github.com/clinicsync/clinicsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const document = `
resources:
  - kind: prescriptions
    params: {patient: P123}
    data:
      - id: RX1
        drug: amoxicillin
  - kind: clinic-settings
    data: {name: Northside Clinic}
  - kind: appointments
    params: {role: doctor, doctor: D5}
    error: {kind: unauthorized, message: session revoked}
writes:
  create-prescription:
    data: {id: RX2}
  cancel-appointment:
    error: {kind: validation, message: appointment already started}
`

func TestFetch(t *testing.T) {
	tr, err := Parse([]byte(document))
	require.NoError(t, err)
	ctx := context.Background()

	data, err := tr.Fetch(ctx, query.PrescriptionsList("P123"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"RX1","drug":"amoxicillin"}]`, string(data))

	data, err = tr.Fetch(ctx, query.ClinicSettings())
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Northside Clinic"}`, string(data))
}

func TestFetch_Failures(t *testing.T) {
	tr, err := Parse([]byte(document))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = tr.Fetch(ctx, query.AppointmentsList(role.Doctor, "D5"))
	assert.True(t, transport.IsUnauthorized(err))

	_, err = tr.Fetch(ctx, query.PrescriptionsList("P999"))
	assert.Equal(t, transport.ServerError, transport.KindOf(err))
}

func TestWrite(t *testing.T) {
	tr, err := Parse([]byte(document))
	require.NoError(t, err)
	ctx := context.Background()

	data, err := tr.Write(ctx, transport.WriteRequest{Operation: "create-prescription", Body: map[string]string{"patientId": "P123"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"RX2"}`, string(data))

	data, err = tr.Write(ctx, transport.WriteRequest{Operation: "send-message", Body: map[string]string{"text": "hi"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(data), "unknown operations echo the payload")

	_, err = tr.Write(ctx, transport.WriteRequest{Operation: "cancel-appointment", Body: map[string]string{}})
	assert.Equal(t, transport.ValidationError, transport.KindOf(err))

	writes := tr.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "create-prescription", writes[0].Operation)
	assert.Equal(t, "send-message", writes[1].Operation)
}

func TestLatency_RespectsContext(t *testing.T) {
	tr, err := Parse([]byte("latency: 1h\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = tr.Fetch(ctx, query.ClinicSettings())
	assert.Equal(t, transport.NetworkError, transport.KindOf(err))
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":        "resources: [",
		"missing kind":    "resources:\n  - data: 1\n",
		"bad failure":     "resources:\n  - kind: x\n    error: {kind: teapot}\n",
		"bad write error": "writes:\n  op:\n    error: {kind: nope}\n",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(document), 0o600))

	tr, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, tr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
