// Package notify carries small events from producer processes (which own the
// persistence layer) to the socket server, which cannot be reached directly.
//
// Delivery is at-least-once and best effort: a consumer deletes or acks each
// event after handling it, whether handling succeeded or not. There is no
// ordering guarantee between events.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Kind identifies what an event asks the socket server to do.
type Kind string

// Event kinds.
const (
	KindTv           Kind = "tv"            // push REFRESH_STATE to one TV
	KindGroup        Kind = "group"         // push REFRESH_STATE to every group member
	KindStatusChange Kind = "status-change" // a TV went on/offline; refresh admins
	KindAllAdmins    Kind = "all-admins"    // refresh admins
)

// ErrInvalidEvent is returned for events with an unknown kind or missing
// fields.
var ErrInvalidEvent = errors.New("invalid notification event")

// StatusChange is the payload of a status-change event.
type StatusChange struct {
	TvID     string `json:"tvId"`
	IsOnline bool   `json:"isOnline"`
}

// Event is one notification.
type Event struct {
	Type    Kind          `json:"type"`
	ID      string        `json:"id,omitempty"`
	Payload *StatusChange `json:"payload,omitempty"`
}

// TvEvent targets a single TV.
func TvEvent(tvID string) Event { return Event{Type: KindTv, ID: tvID} }

// GroupEvent targets every member of a group, resolved by the consumer.
func GroupEvent(groupID string) Event { return Event{Type: KindGroup, ID: groupID} }

// StatusChangeEvent reports a TV's new online state.
func StatusChangeEvent(tvID string, online bool) Event {
	return Event{Type: KindStatusChange, Payload: &StatusChange{TvID: tvID, IsOnline: online}}
}

// AllAdminsEvent asks every admin dashboard to refresh.
func AllAdminsEvent() Event { return Event{Type: KindAllAdmins} }

// Validate checks the fields required by the event kind.
func (e Event) Validate() error {
	switch e.Type {
	case KindTv, KindGroup:
		if e.ID == "" {
			return fmt.Errorf("%w: %s event without id", ErrInvalidEvent, e.Type)
		}
	case KindStatusChange:
		if e.Payload == nil || e.Payload.TvID == "" {
			return fmt.Errorf("%w: status-change event without tvId", ErrInvalidEvent)
		}
	case KindAllAdmins:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// Target returns the id the event is about, for logging.
func (e Event) Target() string {
	if e.Payload != nil {
		return e.Payload.TvID
	}
	return e.ID
}

// Encode serializes a validated event.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates a serialized event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Publisher appends events to the channel.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler consumes events.
type Handler interface {
	HandleEvent(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, e Event) error {
	return f(ctx, e)
}
