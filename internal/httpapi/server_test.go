package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hongzhonglu/vivarium/internal/bus"
	"github.com/hongzhonglu/vivarium/internal/config"
	"github.com/hongzhonglu/vivarium/internal/envelope"
	"github.com/hongzhonglu/vivarium/internal/gateway"
	"github.com/hongzhonglu/vivarium/internal/jsonx"
	"github.com/hongzhonglu/vivarium/internal/shepherd"
)

type sentMessage struct {
	topic string
	msg   envelope.Message
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakePublisher) Send(_ context.Context, topic string, msg envelope.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{topic: topic, msg: msg})
	return nil
}

func (f *fakePublisher) waitForSend(t *testing.T) sentMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.sent) > 0 {
			s := f.sent[0]
			f.mu.Unlock()
			return s
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no message published")
	return sentMessage{}
}

type fixture struct {
	server *httptest.Server
	bus    *bus.Bus
	cache  *gateway.Cache
	pub    *fakePublisher
	sup    *shepherd.Supervisor
	cfg    *config.Config
}

func newFixture(t *testing.T, handler ClientHandler) *fixture {
	t.Helper()
	logger := zap.NewNop()
	cfg := &config.Config{
		Service: config.ServiceConfig{PublicDir: t.TempDir()},
		Kafka:   config.KafkaConfig{Host: "127.0.0.1:9092"},
		Topics: config.TopicsConfig{
			ShepherdReceive:  "shepherd-receive",
			AgentReceive:     "agent-receive",
			CellReceive:      "cell-receive",
			EnvironmentState: "environment-state",
		},
		Agents: config.AgentsConfig{
			Interpreter:      []string{"python", "-u", "-m"},
			TerminateTimeout: 200 * time.Millisecond,
		},
	}
	b := bus.New(16, logger)
	cache := gateway.NewCache()
	pub := &fakePublisher{}
	sup := shepherd.New(pub, cfg, logger)

	mux := http.NewServeMux()
	NewServer(b, cache, pub, sup, cfg, handler, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return &fixture{server: srv, bus: b, cache: cache, pub: pub, sup: sup, cfg: cfg}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, jsonx.Unmarshal(data, &out))
	return out
}

func TestStatusEmpty(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, "[]", string(body))
}

func TestStatusReportsAgents(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.sup.Add(envelope.Message{
		"event":        envelope.EventAddAgent,
		"agent_id":     "a1",
		"agent_type":   "noop",
		"agent_config": map[string]any{"boot": []any{"sh", "-c", "sleep 60"}},
	})
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var agents []any
	require.NoError(t, jsonx.Unmarshal(body, &agents))
	require.Len(t, agents, 1)
	entry := agents[0].(map[string]any)
	assert.Equal(t, "a1", entry["agent_id"])
	assert.Equal(t, "noop", entry["agent_type"])
	assert.Equal(t, true, entry["alive"])
	assert.Contains(t, entry["agent_config"].(map[string]any), "kafka_config")
}

func TestUpgradeFailure(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/text", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "must connect using websocket request", string(body))
}

func TestSnapshotReply(t *testing.T) {
	f := newFixture(t, LensClientHandler)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"VISUALIZATION_INITIALIZE"}`)))
	assert.Empty(t, readJSON(t, conn), "no broker message has arrived yet")

	f.cache.Set("environment-state", envelope.Message{"event": "ENVIRONMENT_SYNCHRONIZE", "step": 4.0})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"VISUALIZATION_INITIALIZE"}`)))

	reply := readJSON(t, conn)
	state := reply["environment-state"].(map[string]any)
	assert.Equal(t, "ENVIRONMENT_SYNCHRONIZE", state["event"])
}

func TestBusFanout(t *testing.T) {
	f := newFixture(t, LensClientHandler)
	conn := f.dial(t)

	// Give the session a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	f.bus.Publish("environment-state", []byte(`{"event":"ENVIRONMENT_SYNCHRONIZE","step":7}`))

	got := readJSON(t, conn)
	state := got["environment-state"].(map[string]any)
	assert.Equal(t, "ENVIRONMENT_SYNCHRONIZE", state["event"])
	assert.Equal(t, 7.0, state["step"])
}

func TestLensRouting(t *testing.T) {
	f := newFixture(t, LensClientHandler)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"DIVIDE_CELL","agent_id":"c1"}`)))
	sent := f.pub.waitForSend(t)
	assert.Equal(t, "cell-receive", sent.topic)
	assert.Equal(t, "DIVIDE_CELL", sent.msg.Event())
}

func TestDefaultRoutingForwardsToShepherd(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"ADD_AGENT","agent_id":"x"}`)))
	sent := f.pub.waitForSend(t)
	assert.Equal(t, "shepherd-receive", sent.topic)
	assert.Equal(t, "ADD_AGENT", sent.msg.Event())
}
