package inspect_test

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/voltgrid"
	"github.com/voltgrid/voltgrid/extension/inspect"
)

type pulse struct{}

type reactorFunc func(*voltgrid.Environment) error

func (f reactorFunc) Setup(env *voltgrid.Environment) error { return f(env) }

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestInspectSurface(t *testing.T) {
	p, err := voltgrid.New(voltgrid.Config{
		ThreadCount:     2,
		DefaultLogLevel: voltgrid.LevelError,
	})
	require.NoError(t, err)

	addr := freeAddr(t)
	require.NoError(t, p.Install(inspect.New(addr)))

	require.NoError(t, p.Install(reactorFunc(func(env *voltgrid.Environment) error {
		voltgrid.Every(env, 10*time.Millisecond, func() error { return nil },
			voltgrid.WithName("Pulse"))
		voltgrid.On(env, func(pulse) error { return nil }, voltgrid.WithName("Pulse Handler"))
		return nil
	})))

	result := make(chan error, 1)
	go func() { result <- p.Start() }()
	defer func() {
		p.Shutdown()
		require.NoError(t, <-result)
	}()

	base := fmt.Sprintf("http://%s", addr)
	waitReady(t, base+"/healthz")

	resp, err := http.Get(base + "/reactions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var infos []voltgrid.ReactionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	names := make(map[string]bool)
	for _, info := range infos {
		if len(info.Identifier) > 0 {
			names[info.Identifier[0]] = true
		}
	}
	assert.True(t, names["Pulse"], "timer registration missing from snapshot")
	assert.True(t, names["Pulse Handler"], "trigger registration missing from snapshot")

	// The statistics stream carries records for the pulse timer tasks.
	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/events", addr), nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var rec map[string]any
		require.NoError(t, json.Unmarshal(data, &rec))
		ids, _ := rec["identifier"].([]any)
		if len(ids) > 0 && ids[0] == "Pulse" {
			return
		}
	}
}

func waitReady(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("inspect server never became ready")
}
