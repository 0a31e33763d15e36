// Package main: repository wire-up.
package main

import (
	"github.com/akinalp/qrattend/database"
	"github.com/akinalp/qrattend/repository"
)

// Repositories groups the data access layer.
type Repositories struct {
	Sessions   repository.SessionRepository
	Attendance repository.AttendanceRepository
	Classes    repository.ClassRepository
}

// initRepositories creates every repository over the shared connection.
func initRepositories(db *database.DB) *Repositories {
	return &Repositories{
		Sessions:   repository.NewSQLiteSessionRepo(db.Conn),
		Attendance: repository.NewSQLiteAttendanceRepo(db.Conn),
		Classes:    repository.NewSQLiteClassRepo(db.Conn),
	}
}
