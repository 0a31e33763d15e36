package models

// Class is an externally managed course. RosterSize is the number of
// enrolled students and drives the absent/total counts.
type Class struct {
	ID         string `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	RosterSize int    `json:"roster_size" db:"roster_size"`
}
