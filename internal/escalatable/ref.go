package escalatable

import "fmt"

// Kind tags which entity a Ref points at.
type Kind string

const (
	KindAlert Kind = "alert"
	KindIssue Kind = "issue"
)

// Ref identifies an escalatable entity of either kind.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// AlertRef returns a Ref to an alert.
func AlertRef(id string) Ref { return Ref{Kind: KindAlert, ID: id} }

// IssueRef returns a Ref to an issue.
func IssueRef(id string) Ref { return Ref{Kind: KindIssue, ID: id} }

// Valid reports whether r has a known kind and a non-empty id.
func (r Ref) Valid() bool {
	return (r.Kind == KindAlert || r.Kind == KindIssue) && r.ID != ""
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// Entity is the uniform view over alerts and issues used by the scheduler.
type Entity interface {
	EscalatableRef() Ref
	Project() string
	CurrentStatus() Status
}
