package services

import (
	"context"
	"fmt"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg/email"
)

// ReportService emails the instructor a summary when a session ends.
type ReportService struct {
	classes ClassDirectory
	sender  email.ReportSender
}

// NewReportService creates the service. sender may be nil, in which case
// Send is a no-op.
func NewReportService(classes ClassDirectory, sender email.ReportSender) *ReportService {
	return &ReportService{classes: classes, sender: sender}
}

// Send mails the report of an ended session to whoever started it. It is
// registered as an ended hook.
func (s *ReportService) Send(ctx context.Context, sess *models.Session) error {
	if s.sender == nil || sess.StartedBy == "" {
		return nil
	}

	report := BuildReport(sess)
	if class, err := s.classes.Get(ctx, sess.ClassID); err == nil {
		report.ClassName = class.Name
	}

	if err := s.sender.SendSessionReport(ctx, sess.StartedBy, report); err != nil {
		return fmt.Errorf("session %s: %w", sess.ID, err)
	}
	return nil
}

// BuildReport turns an ended session into report content.
func BuildReport(sess *models.Session) email.SessionReport {
	roster := BuildRoster(sess)

	report := email.SessionReport{
		SessionID: sess.ID,
		ClassID:   sess.ClassID,
		StartedAt: sess.StartedAt,
		Present:   roster.Present,
		Total:     roster.Total,
		Students:  make([]email.ReportLine, 0, len(roster.ScannedStudents)),
	}
	if sess.EndedAt != nil {
		report.EndedAt = *sess.EndedAt
	}
	for _, st := range roster.ScannedStudents {
		report.Students = append(report.Students, email.ReportLine{Email: st.Email, Timestamp: st.Timestamp})
	}
	return report
}
