// Package firehose is an optional reactor republishing the plant's
// observable event stream — reaction statistics and log messages — to a
// watermill publisher, so external systems can consume them without
// touching the kernel.
package firehose

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/voltgrid/voltgrid"
)

const (
	// TopicStatistics carries one JSON record per completed task.
	TopicStatistics = "voltgrid.statistics"
	// TopicLogs carries one JSON record per LogMessage event.
	TopicLogs = "voltgrid.logs"
)

// Reactor taps the built-in event stream into a publisher.
type Reactor struct {
	pub message.Publisher
}

// New builds a firehose over an existing publisher (AMQP, Kafka, whatever
// the deployment wires in).
func New(pub message.Publisher) *Reactor {
	return &Reactor{pub: pub}
}

// NewInProcess builds a firehose over an in-process gochannel pub/sub and
// returns the subscriber side for local consumers.
func NewInProcess(log *slog.Logger) (*Reactor, message.Subscriber) {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NewSlogLogger(log))
	return &Reactor{pub: ps}, ps
}

type statRecord struct {
	Identifier []string  `json:"identifier"`
	ReactionID uint64    `json:"reaction_id"`
	TaskID     uint64    `json:"task_id"`
	Priority   int       `json:"priority"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
	Worker     int       `json:"worker"`
	Exception  string    `json:"exception,omitempty"`
}

type logRecord struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Setup registers the taps.
func (r *Reactor) Setup(env *voltgrid.Environment) error {
	voltgrid.On(env, func(st voltgrid.ReactionStatistics) error {
		rec := statRecord{
			Identifier: st.Identifier,
			ReactionID: st.ReactionID,
			TaskID:     st.TaskID,
			Priority:   st.Priority,
			Started:    st.Started,
			Finished:   st.Finished,
			Worker:     st.Worker,
		}
		if st.Exception != nil {
			rec.Exception = st.Exception.Error()
		}
		return r.publish(TopicStatistics, rec)
	}, voltgrid.WithName("Firehose Statistics"), voltgrid.WithPriority(voltgrid.PriorityIdle))

	voltgrid.On(env, func(m voltgrid.LogMessage) error {
		return r.publish(TopicLogs, logRecord{
			Level:   m.Level.String(),
			Message: m.Message,
		})
	}, voltgrid.WithName("Firehose Logs"), voltgrid.WithPriority(voltgrid.PriorityIdle))

	// The publisher's owner closes it after Start returns; statistics for
	// tasks draining during shutdown still flow through.
	return nil
}

func (r *Reactor) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("firehose: marshal: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := r.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("firehose: publish to %s: %w", topic, err)
	}
	return nil
}
