package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg/archive"
)

// csvHeader is the column order of every export.
var csvHeader = []string{"email", "device_fingerprint", "timestamp"}

// ExportService renders attendance records as CSV and archives the final
// export of ended sessions.
type ExportService struct {
	reader  SessionReader
	storage archive.ObjectStorage
}

// NewExportService creates the service. storage may be nil, in which case
// Archive is a no-op.
func NewExportService(reader SessionReader, storage archive.ObjectStorage) *ExportService {
	return &ExportService{reader: reader, storage: storage}
}

// WriteCSV writes the session's records as they are at call time.
// device_fingerprint is the keyed digest, never the raw value.
func (s *ExportService) WriteCSV(ctx context.Context, sessionID string, w io.Writer) error {
	var records []models.AttendanceRecord
	err := s.reader.View(ctx, sessionID, func(sess *models.Session) error {
		records = make([]models.AttendanceRecord, len(sess.Records))
		copy(records, sess.Records)
		return nil
	})
	if err != nil {
		return err
	}
	return encodeCSV(w, records)
}

// Archive uploads the final export of an ended session. It is registered
// as an ended hook.
func (s *ExportService) Archive(ctx context.Context, sess *models.Session) error {
	if s.storage == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := encodeCSV(&buf, sess.Records); err != nil {
		return err
	}

	name := archive.SessionObjectName(sess.ClassID, sess.ID)
	if _, err := s.storage.Upload(ctx, name, "text/csv", &buf, int64(buf.Len())); err != nil {
		return err
	}
	return nil
}

// ExportFilename is the attachment name offered for a session's CSV.
func ExportFilename(sessionID string) string {
	return fmt.Sprintf("attendance-%s.csv", sessionID)
}

func encodeCSV(w io.Writer, records []models.AttendanceRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range records {
		row := []string{rec.Email, rec.DeviceFingerprint, rec.Timestamp.UTC().Format(time.RFC3339Nano)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
