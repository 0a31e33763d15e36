package models

import "time"

// ScannedStudent is the public view of a record inside a roster.
type ScannedStudent struct {
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
}

// RosterSnapshot is derived from a session's records on every read.
//
// Revision equals the number of records the snapshot was built from;
// viewers drop a pushed snapshot whose revision is lower than the one
// they already hold.
type RosterSnapshot struct {
	SessionID       string           `json:"session_id"`
	ClassID         string           `json:"class_id"`
	State           SessionState     `json:"state"`
	Revision        int              `json:"revision"`
	Present         int              `json:"present"`
	Absent          int              `json:"absent"`
	Total           int              `json:"total"`
	ScannedStudents []ScannedStudent `json:"scanned_students"`
}
