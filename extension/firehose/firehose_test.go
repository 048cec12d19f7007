package firehose_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/voltgrid"
	"github.com/voltgrid/voltgrid/extension/firehose"
)

type spark struct{}

func TestFirehosePublishesStatisticsAndLogs(t *testing.T) {
	p, err := voltgrid.New(voltgrid.Config{
		ThreadCount:     2,
		DefaultLogLevel: voltgrid.LevelError,
	})
	require.NoError(t, err)

	hose, sub := firehose.NewInProcess(slog.New(slog.DiscardHandler))
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := sub.Subscribe(ctx, firehose.TopicStatistics)
	require.NoError(t, err)
	logs, err := sub.Subscribe(ctx, firehose.TopicLogs)
	require.NoError(t, err)

	require.NoError(t, p.Install(hose))
	require.NoError(t, p.Install(reactorFunc(func(env *voltgrid.Environment) error {
		voltgrid.On(env, func(spark) error {
			env.Logf(voltgrid.LevelInfo, "spark handled")
			return nil
		}, voltgrid.WithName("Spark Handler"))
		voltgrid.On(env, func(voltgrid.Startup) error {
			voltgrid.Emit(env.Plant(), spark{})
			time.AfterFunc(100*time.Millisecond, env.Plant().Shutdown)
			return nil
		})
		return nil
	})))

	require.NoError(t, p.Start())

	assertMessage(t, stats, func(payload map[string]any) bool {
		ids, _ := payload["identifier"].([]any)
		return len(ids) > 0 && ids[0] == "Spark Handler"
	}, "statistics record for the spark handler")

	assertMessage(t, logs, func(payload map[string]any) bool {
		return payload["message"] == "spark handled"
	}, "log record from the spark handler")
}

type reactorFunc func(*voltgrid.Environment) error

func (f reactorFunc) Setup(env *voltgrid.Environment) error { return f(env) }

func assertMessage(t *testing.T, ch <-chan *message.Message, match func(map[string]any) bool, what string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("subscriber closed before delivering %s", what)
			}
			var payload map[string]any
			require.NoError(t, json.Unmarshal(msg.Payload, &payload))
			msg.Ack()
			if match(payload) {
				assert.NotEmpty(t, msg.UUID)
				return
			}
		case <-deadline:
			t.Fatalf("never received %s", what)
		}
	}
}
