// Package events carries task lifecycle notifications to interested sinks.
// Delivery is fire-and-forget: a failing or slow sink never affects task state.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"resonance/internal/domain"
)

type EventType string

const (
	EventTaskCreated           EventType = "task.created"
	EventTaskUpdated           EventType = "task.updated"
	EventTaskProgress          EventType = "task.progress"
	EventTaskSelectionRequired EventType = "task.selection_required"
)

// Event is a task lifecycle notification.
type Event struct {
	Type     EventType         `json:"type"`
	TaskID   string            `json:"task_id"`
	Status   domain.TaskStatus `json:"status"`
	Artist   string            `json:"artist"`
	Title    string            `json:"title"`
	Message  string            `json:"message,omitempty"`
	Progress int               `json:"progress,omitempty"`
	Time     time.Time         `json:"time"`
}

// NewEvent builds an event describing task.
func NewEvent(t EventType, task *domain.Task) Event {
	return Event{
		Type:    t,
		TaskID:  task.ID,
		Status:  task.Status,
		Artist:  task.Artist,
		Title:   task.Title,
		Message: task.ErrorMessage,
		Time:    time.Now().UTC(),
	}
}

// Notifier receives lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// LogNotifier writes events to a logger at debug level.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev Event) {
	n.Logger.WithFields(logrus.Fields{
		"task_id": ev.TaskID,
		"status":  ev.Status,
	}).Debugf("event %s", ev.Type)
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}

// Bus broadcasts events to subscribers. Subscribers with a full buffer miss
// events rather than block the publisher.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	dropped int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Notify(_ context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
