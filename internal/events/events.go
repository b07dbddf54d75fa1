// Package events publishes domain events to registered webhook
// subscribers. Delivery is fire-and-forget: the lifecycle engine never
// waits on a subscriber.
package events

import (
	"context"
	"errors"
	"time"
)

// Domain event types emitted by the lifecycle and dispute engines.
const (
	ContractCreated    = "contract.created"
	ContractFunded     = "contract.funded"
	MilestoneSubmitted = "milestone.submitted"
	MilestoneApproved  = "milestone.approved"
	DisputeOpened      = "dispute.opened"
	DisputeResolved    = "dispute.resolved"
	ContractCancelled  = "contract.cancelled"
	ContractCompleted  = "contract.completed"
)

// AllTypes lists every event type, for subscription validation.
var AllTypes = []string{
	ContractCreated,
	ContractFunded,
	MilestoneSubmitted,
	MilestoneApproved,
	DisputeOpened,
	DisputeResolved,
	ContractCancelled,
	ContractCompleted,
}

// ValidType reports whether t is a known event type.
func ValidType(t string) bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

var (
	ErrSubscriptionNotFound = errors.New("events: subscription not found")
	ErrInvalidEventType     = errors.New("events: invalid event type")
)

// Subscription registers a webhook endpoint for a set of event types.
// An empty EventTypes list subscribes to everything.
type Subscription struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Secret     string    `json:"-"`
	EventTypes []string  `json:"eventTypes,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Matches reports whether the subscription wants eventType.
func (s *Subscription) Matches(eventType string) bool {
	if !s.Active {
		return false
	}
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Event is the delivery envelope posted to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	Payload   any       `json:"payload"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
}
