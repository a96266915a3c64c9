// Package domain contains entity without logic, just meta-data
package domain

type (
	MatchID       string
	ParticipantID string
)

// Role identifies a participant's function inside a match.
type Role string

const (
	RoleSource     Role = "source"
	RoleCompositor Role = "compositor"
	RoleViewer     Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSource, RoleCompositor, RoleViewer:
		return true
	}
	return false
}
