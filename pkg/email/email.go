// Package email sends the end-of-session report to the instructor.
//
// Services depend on ReportSender only; the Resend implementation is wired
// in main.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/resend/resend-go/v3"
)

// ReportLine is one student in the report.
type ReportLine struct {
	Email     string
	Timestamp time.Time
}

// SessionReport is the content of the report email.
type SessionReport struct {
	SessionID string
	ClassID   string
	ClassName string
	StartedAt time.Time
	EndedAt   time.Time
	Present   int
	Total     int
	Students  []ReportLine
}

// ReportSender delivers session reports.
type ReportSender interface {
	SendSessionReport(ctx context.Context, toEmail string, report SessionReport) error
}

type resendSender struct {
	client    *resend.Client
	fromEmail string
}

// NewResendSender creates a ReportSender backed by the Resend API.
// fromEmail must belong to a domain verified in Resend.
func NewResendSender(apiKey, fromEmail string) ReportSender {
	return &resendSender{
		client:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
	}
}

func (s *resendSender) SendSessionReport(ctx context.Context, toEmail string, report SessionReport) error {
	html, err := RenderReport(report)
	if err != nil {
		return err
	}

	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("QR Attendance <%s>", s.fromEmail),
		To:      []string{toEmail},
		Subject: ReportSubject(report),
		Html:    html,
	}

	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("failed to send session report: %w", err)
	}
	return nil
}

// ReportSubject is the subject line of a report.
func ReportSubject(report SessionReport) string {
	name := report.ClassName
	if name == "" {
		name = report.ClassID
	}
	return fmt.Sprintf("Attendance for %s: %d/%d present", name, report.Present, report.Total)
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="margin:0;padding:24px;background-color:#f8fafc;font-family:Arial,Helvetica,sans-serif;">
  <h2 style="color:#0f172a;margin:0 0 8px 0;">{{if .ClassName}}{{.ClassName}}{{else}}{{.ClassID}}{{end}}</h2>
  <p style="color:#475569;margin:0 0 16px 0;">
    {{.StartedAt.Format "2006-01-02 15:04"}} to {{.EndedAt.Format "15:04"}}: {{.Present}} of {{.Total}} present
  </p>
  <table cellpadding="6" cellspacing="0" style="border-collapse:collapse;">
    <tr><th align="left">Email</th><th align="left">Scanned at</th></tr>
    {{range .Students}}<tr><td>{{.Email}}</td><td>{{.Timestamp.Format "15:04:05"}}</td></tr>
    {{end}}
  </table>
  <p style="color:#94a3b8;font-size:12px;">Session {{.SessionID}}</p>
</body>
</html>`))

// RenderReport renders the HTML body. Student emails are escaped.
func RenderReport(report SessionReport) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, report); err != nil {
		return "", fmt.Errorf("failed to render session report: %w", err)
	}
	return buf.String(), nil
}
