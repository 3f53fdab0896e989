// Package exporter renders verification attempt logs as CSV for
// offline auditing. Output streams straight to the response writer so
// large logs never buffer whole in memory.
package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"sentineld/pkg/contracts/domain"
)

// attemptHeaders is the fixed column order of the export.
var attemptHeaders = []string{
	"id", "timestamp", "license_id", "machine_fingerprint",
	"ip_address", "success", "error_message", "within_grace_period",
}

// WriteAttemptsCSV streams attempts to w as CSV, header first. The
// optional UTF-8 BOM keeps Excel from mangling the file.
func WriteAttemptsCSV(w io.Writer, attempts []domain.VerificationAttempt, bomPrefix bool) error {
	if bomPrefix {
		if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			return fmt.Errorf("failed to write BOM: %w", err)
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(attemptHeaders); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for i := range attempts {
		if err := cw.Write(attemptRecord(&attempts[i])); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

// AppendAttemptsCSV writes records without a header, for continuing a
// stream started by WriteAttemptsCSV.
func AppendAttemptsCSV(w io.Writer, attempts []domain.VerificationAttempt) error {
	cw := csv.NewWriter(w)
	for i := range attempts {
		if err := cw.Write(attemptRecord(&attempts[i])); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

func attemptRecord(a *domain.VerificationAttempt) []string {
	return []string{
		strconv.FormatInt(a.ID, 10),
		a.Timestamp.UTC().Format(time.RFC3339),
		a.LicenseID,
		a.MachineFingerprint,
		a.IPAddress,
		strconv.FormatBool(a.Success),
		a.ErrorMessage,
		strconv.FormatBool(a.WithinGracePeriod),
	}
}
