package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"gymflow/occupancy/internal/checkin"
	"gymflow/occupancy/internal/metrics"
	"gymflow/occupancy/internal/model"
)

const DefaultQueueSize = 256

// CapacityReader is the read side the broadcaster recomputes capacity from.
type CapacityReader interface {
	GetGym(ctx context.Context, id string) (model.Gym, error)
	CountActiveCheckIns(ctx context.Context, gymID string) (int, error)
}

// ActivityPayload is the body of checkin and checkout events.
type ActivityPayload struct {
	CheckIn  model.CheckIn `json:"checkin"`
	UserID   string        `json:"userId,omitempty"`
	UserName string        `json:"userName,omitempty"`
}

// Broadcaster turns committed check-in changes into realtime events off the request path.
type Broadcaster struct {
	bus     Bus
	reader  CapacityReader
	queue   chan checkin.Event
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewBroadcaster(bus Bus, reader CapacityReader, queueSize int, log logrus.FieldLogger, m *metrics.Metrics) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		bus:     bus,
		reader:  reader,
		queue:   make(chan checkin.Event, queueSize),
		log:     log,
		metrics: m,
		timeout: 5 * time.Second,
	}
}

// Notify enqueues without blocking; a full queue drops the change.
func (b *Broadcaster) Notify(event checkin.Event) {
	select {
	case b.queue <- event:
	default:
		b.metrics.Broadcast("dropped")
		b.log.WithFields(logrus.Fields{
			"gym_id":     event.CheckIn.GymID,
			"checkin_id": event.CheckIn.ID,
		}).Warn("broadcast queue full, dropping notification")
	}
}

// Run publishes queued changes until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.queue:
			b.publish(ctx, event)
		}
	}
}

func (b *Broadcaster) publish(ctx context.Context, change checkin.Event) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	gymID := change.CheckIn.GymID

	activity := ActivityPayload{CheckIn: change.CheckIn}
	if change.User != nil {
		activity.UserID = change.User.ID
		activity.UserName = change.User.Name
	}
	eventType := EventCheckIn
	if change.Kind == checkin.KindCheckOut {
		eventType = EventCheckOut
	}
	b.send(ctx, eventType, GymTopic(gymID), activity)

	gym, err := b.reader.GetGym(ctx, gymID)
	if err != nil {
		b.fail(err, gymID, "load gym for capacity broadcast")
		return
	}
	current, err := b.reader.CountActiveCheckIns(ctx, gymID)
	if err != nil {
		b.fail(err, gymID, "count active check-ins for capacity broadcast")
		return
	}
	capacity := model.NewCapacity(gym, current)
	b.send(ctx, EventCapacity, GymTopic(gymID), capacity)
	b.send(ctx, EventCapacity, GlobalTopic, capacity)
}

func (b *Broadcaster) send(ctx context.Context, eventType EventType, topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.fail(err, topic, "marshal realtime payload")
		return
	}
	if err := b.bus.Publish(ctx, Event{Type: eventType, Topic: topic, Payload: data}); err != nil {
		b.fail(err, topic, "publish realtime event")
		return
	}
	b.metrics.Broadcast("published")
}

func (b *Broadcaster) fail(err error, target, message string) {
	b.metrics.Broadcast("failed")
	b.log.WithError(err).WithField("target", target).Warn(message)
}
