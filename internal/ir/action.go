package ir

import (
	"fmt"
	"strings"
	"time"
)

// KeysJoiner separates the parts of tenancy keys and list-valued keys.
const KeysJoiner = "/"

// ActorRef identifies the domain object an action is performed on.
// It satisfies registry.Actor so step bodies can fan out to a reference
// without loading the actor.
type ActorRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ActorType returns the actor's type tag.
func (r ActorRef) ActorType() string { return r.Type }

// ActorID returns the actor's stable identity within its type.
func (r ActorRef) ActorID() string { return r.ID }

// TenancyKey returns "Type/ID/name", the default concurrency and checksum key.
func (r ActorRef) TenancyKey(name string) string {
	return strings.Join([]string{r.Type, r.ID, name}, KeysJoiner)
}

func (r ActorRef) String() string {
	return r.Type + KeysJoiner + r.ID
}

// ParseActorRef parses "Type/ID".
func ParseActorRef(s string) (ActorRef, error) {
	typ, id, ok := strings.Cut(s, KeysJoiner)
	if !ok || typ == "" || id == "" {
		return ActorRef{}, fmt.Errorf("invalid actor reference %q: want type/id", s)
	}
	return ActorRef{Type: typ, ID: id}, nil
}

// Action is one attempt to perform a named operation on an actor.
//
// Checksum is empty when dedup is disabled for the attempt. ChecksumKey is
// always set once a definition has been applied.
type Action struct {
	ID               int64         `json:"id"`
	Actor            ActorRef      `json:"actor"`
	Name             string        `json:"name"`
	Args             Args          `json:"arguments"`
	Status           ActionStatus  `json:"status"`
	Root             bool          `json:"root"`
	Outbound         bool          `json:"outbound"`
	ConcurrencyKey   string        `json:"concurrency_key"`
	ChecksumKey      string        `json:"checksum_key"`
	Checksum         string        `json:"checksum,omitempty"`
	Job              string        `json:"job,omitempty"`
	CurrentStepIndex int           `json:"current_step_index"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	PerformanceID    int64         `json:"performance_id,omitempty"`

	AfterCallbacksSucceeded int `json:"after_callbacks_succeeded_count"`
	AfterCallbacksFailed    int `json:"after_callbacks_failed_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ParentStepIDs holds the steps awaiting this action before it is
	// persisted. Once stored, the actions_steps table is authoritative.
	ParentStepIDs []int64 `json:"-"`
}

// Persisted reports whether the action has been stored.
func (a *Action) Persisted() bool { return a.ID != 0 }

// Completed reports whether the action reached a terminal status.
func (a *Action) Completed() bool { return a.Status.Completed() }

// TenancyKey returns the actor/name key for this action.
func (a *Action) TenancyKey() string { return a.Actor.TenancyKey(a.Name) }

// OutboundCompleteKey is the key external completion signals address, or
// empty for actions that complete by exhausting their steps.
func (a *Action) OutboundCompleteKey() string {
	if !a.Outbound {
		return ""
	}
	return a.TenancyKey()
}

// Achieves reports whether a already accomplishes other's work.
func (a *Action) Achieves(other *Action) bool {
	return a.ChecksumKey == other.ChecksumKey && a.Checksum == other.Checksum
}

// SucceededIncludingCallbacks reports whether the action succeeded and none
// of its after-callbacks failed.
func (a *Action) SucceededIncludingCallbacks() bool {
	return a.Status == ActionSucceeded && a.AfterCallbacksFailed == 0
}

// Cancel marks the action cancelled. Only meaningful before it performs.
func (a *Action) Cancel() { a.Status = ActionCancelled }

// Complete marks the action succeeded without performing it.
func (a *Action) Complete() { a.Status = ActionSucceeded }

// ShortChecksum returns the first 8 characters of the checksum.
func (a *Action) ShortChecksum() string {
	if len(a.Checksum) <= 8 {
		return a.Checksum
	}
	return a.Checksum[:8]
}

func (a *Action) String() string {
	return fmt.Sprintf("%s#%s", a.Actor, a.Name)
}
