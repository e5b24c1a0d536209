// Package events publishes attendance sightings to message brokers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// AttendeeSeen is emitted the first time an employee is recognised in a
// session.
type AttendeeSeen struct {
	SessionID   string    `json:"session_id"`
	MeetingID   int64     `json:"meeting_id"`
	EmployeeID  int64     `json:"employee_id"`
	EmployeeNo  string    `json:"employee_no"`
	Name        string    `json:"name"`
	EnglishName string    `json:"english_name"`
	IsAttendee  bool      `json:"is_attendant"`
	Score       float64   `json:"score"`
	SeenAt      time.Time `json:"seen_at"`
}

// Key partitions events by session.
func (e AttendeeSeen) Key() []byte {
	return []byte(e.SessionID)
}

// Payload is the JSON wire form.
func (e AttendeeSeen) Payload() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event AttendeeSeen) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, AttendeeSeen) error { return nil }
func (Noop) Close() error                                { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

// Publish sends event to all publishers even when one fails.
func (m Multi) Publish(ctx context.Context, event AttendeeSeen) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all publishers.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Combine drops nil entries and returns Noop, the only publisher, or a Multi.
func Combine(publishers ...Publisher) Publisher {
	var out Multi
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return Noop{}
	case 1:
		return out[0]
	default:
		return out
	}
}
