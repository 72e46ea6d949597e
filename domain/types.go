package domain

import (
	"sort"
	"time"
)

// Status is the coordinator-side status of a transaction.
type Status string

const (
	BeginStarted     Status = "BEGIN_STARTED"
	BeginFinished    Status = "BEGIN_FINISHED"
	CommitStarted    Status = "COMMIT_STARTED"
	CommitFinished   Status = "COMMIT_FINISHED"
	RollbackStarted  Status = "ROLLBACK_STARTED"
	RollbackFinished Status = "ROLLBACK_FINISHED"
)

// IsTerminal reports whether a transaction in this status is removed from the store.
func (s Status) IsTerminal() bool {
	return s == CommitFinished || s == RollbackFinished
}

// IsActive reports whether the transaction still accepts operations from its owner.
func (s Status) IsActive() bool {
	return s == BeginStarted || s == BeginFinished
}

// TransactionRecord is the durable row kept by the coordinator for every
// non-terminal transaction.
type TransactionRecord struct {
	TransactionID  string    `json:"transaction_id"`
	SessionToken   string    `json:"session_token"`
	Status         Status    `json:"status"`
	Participants   []string  `json:"participants"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *TransactionRecord) Clone() *TransactionRecord {
	c := *r
	c.Participants = append([]string(nil), r.Participants...)
	return &c
}

// SortedNames returns the keys of a participant set in a stable order.
func SortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Credentials are presented by the caller on every coordinator request.
type Credentials struct {
	SessionToken          string
	InteractiveSessionKey string
}

// ParticipantState is the participant-side state of a transaction, as
// recorded in its journal.
type ParticipantState int32

const (
	Running   ParticipantState = 0
	Prepared  ParticipantState = 1
	Committed ParticipantState = 2
	Aborted   ParticipantState = 3
)

func (s ParticipantState) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Prepared:
		return "PREPARED"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// MutationKind tells a resource how to apply a staged mutation.
type MutationKind string

const (
	MutationPut    MutationKind = "put"
	MutationDelete MutationKind = "delete"
)

// Mutation is a single staged change. Applying the same mutation twice has
// the same effect as applying it once. IfAbsent marks a put that is only
// valid while the key does not exist in committed state.
type Mutation struct {
	Kind     MutationKind `json:"kind"`
	Key      string       `json:"key"`
	Value    []byte       `json:"value,omitempty"`
	IfAbsent bool         `json:"if_absent,omitempty"`
}

// JournalEntry is one line of a participant journal.
type JournalEntry struct {
	TxID      string           `json:"tx_id"`
	State     ParticipantState `json:"state"`
	Mutations []Mutation       `json:"mutations,omitempty"`
}

type NotFoundError struct {
	Key string
}

func (n NotFoundError) Error() string {
	if n.Key == "" {
		return "Data not found!"
	}
	return "Data not found: " + n.Key
}

// LookupStaged returns the latest staged mutation for key, if any.
func LookupStaged(staged []Mutation, key string) (Mutation, bool) {
	for i := len(staged) - 1; i >= 0; i-- {
		if staged[i].Key == key {
			return staged[i], true
		}
	}
	return Mutation{}, false
}
