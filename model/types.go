// Package model provides domain types shared across packages.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies which stage of the refinement loop produced an iteration.
type Role string

const (
	RoleCreator Role = "creator"
	RoleCritic  Role = "critic"
	RoleFixer   Role = "fixer"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// ParseRole parses a stored role name.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "creator":
		return RoleCreator, nil
	case "critic":
		return RoleCritic, nil
	case "fixer":
		return RoleFixer, nil
	default:
		return "", fmt.Errorf("unknown role: %s", s)
	}
}

// Mode is the payload shape a run refines.
type Mode string

const (
	// ModeDocument refines a single free-text artifact such as a post body.
	ModeDocument Mode = "document"
	// ModeList refines a JSON batch of topic records evaluated as a whole.
	ModeList Mode = "list"
)

// AgentRun is one end-to-end invocation of the refinement loop.
// FinalScore and TotalIterations are rewritten after every critic call.
type AgentRun struct {
	ID              uuid.UUID `json:"id"`
	Tenant          string    `json:"tenant"`
	Mode            Mode      `json:"mode"`
	SubjectLabel    string    `json:"subject_label"`
	FinalScore      int       `json:"final_score"`
	TotalIterations int       `json:"total_iterations"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AgentIteration is one stage invocation within a run. Append-only.
type AgentIteration struct {
	RunID           uuid.UUID `json:"run_id"`
	IterationNumber int       `json:"iteration_number"`
	Role            Role      `json:"role"`
	Input           string    `json:"input"`
	Output          string    `json:"output"`
	Score           *int      `json:"score,omitempty"`
	Critique        *string   `json:"critique,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CritiqueResult is the critic's verdict on an artifact. Score is always in [0,100].
type CritiqueResult struct {
	Score    int    `json:"score"`
	Critique string `json:"critique"`
}

// HistoryEntry records one critic pass of a run.
type HistoryEntry struct {
	Iteration int    `json:"iteration"`
	Score     int    `json:"score"`
	Critique  string `json:"critique"`
}

// TopicRecord is one planned topic in list mode.
type TopicRecord struct {
	Topic    string   `json:"topic"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

// TopicList is the wrapped list-mode artifact.
type TopicList struct {
	Topics []TopicRecord `json:"topics"`
}
