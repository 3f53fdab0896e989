package exporter

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentineld/pkg/contracts/domain"
)

func sampleAttempts() []domain.VerificationAttempt {
	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	return []domain.VerificationAttempt{
		{
			ID:                 1,
			Timestamp:          ts,
			LicenseID:          "lic-1",
			MachineFingerprint: "fingerprint-abc-123",
			IPAddress:          "203.0.113.9",
			Success:            true,
			WithinGracePeriod:  true,
		},
		{
			ID:                 2,
			Timestamp:          ts.Add(time.Minute),
			LicenseID:          "lic-1",
			MachineFingerprint: "fingerprint-abc-123",
			IPAddress:          "203.0.113.9",
			Success:            false,
			ErrorMessage:       "license revoked",
			WithinGracePeriod:  true,
		},
	}
}

func TestWriteAttemptsCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAttemptsCSV(&buf, sampleAttempts(), false))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, attemptHeaders, records[0])
	assert.Equal(t, "1", records[1][0])
	assert.Equal(t, "2026-03-01T12:30:00Z", records[1][1])
	assert.Equal(t, "true", records[1][5])
	assert.Equal(t, "", records[1][6])
	assert.Equal(t, "false", records[2][5])
	assert.Equal(t, "license revoked", records[2][6])
}

func TestWriteAttemptsCSVWithBOM(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAttemptsCSV(&buf, nil, true))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\xEF\xBB\xBF"))
	assert.Contains(t, out, "id,timestamp,license_id")
}

func TestAppendAttemptsCSVHasNoHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, AppendAttemptsCSV(&buf, sampleAttempts()[:1]))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "lic-1", records[0][2])
}
