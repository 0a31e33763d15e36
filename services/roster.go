package services

import "github.com/akinalp/qrattend/models"

// BuildRoster derives the roster of a session from its records. It is the
// only roster builder: pushed attendance_update frames and the pull query
// both come from here, so the two channels cannot drift apart.
//
// s must not be mutated while BuildRoster runs; callers pass either a
// locked live session or a clone.
func BuildRoster(s *models.Session) models.RosterSnapshot {
	present := len(s.Records)

	absent := s.RosterSize - present
	if absent < 0 {
		absent = 0
	}

	students := make([]models.ScannedStudent, 0, present)
	for _, rec := range s.Records {
		students = append(students, models.ScannedStudent{Email: rec.Email, Timestamp: rec.Timestamp})
	}

	return models.RosterSnapshot{
		SessionID:       s.ID,
		ClassID:         s.ClassID,
		State:           s.State,
		Revision:        present,
		Present:         present,
		Absent:          absent,
		Total:           s.RosterSize,
		ScannedStudents: students,
	}
}
