package services

import (
	"context"
	"strings"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/repository"
)

// HistoryService answers a student's "where was I recorded" query.
type HistoryService struct {
	attendanceRepo repository.AttendanceRepository
}

// NewHistoryService creates the service.
func NewHistoryService(attendanceRepo repository.AttendanceRepository) *HistoryService {
	return &HistoryService{attendanceRepo: attendanceRepo}
}

// ForStudent lists the records of email across sessions, newest first.
func (s *HistoryService) ForStudent(ctx context.Context, email string) ([]models.StudentAttendance, error) {
	items, err := s.attendanceRepo.ListByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.StudentAttendance{}
	}
	return items, nil
}
