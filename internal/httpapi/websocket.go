package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hongzhonglu/vivarium/internal/envelope"
	"github.com/hongzhonglu/vivarium/internal/jsonx"
	"github.com/hongzhonglu/vivarium/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
	outBuffer  = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
	Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
		w.Header().Set("Content-Type", "application/text")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("must connect using websocket request"))
	},
}

// ClientHandler decides what to do with one inbound client message.
type ClientHandler func(s *Session, msg envelope.Message) error

// DefaultClientHandler answers INITIALIZE with the last-message snapshot and
// forwards everything else to the shepherd-receive topic.
func DefaultClientHandler(s *Session, msg envelope.Message) error {
	switch msg.Event() {
	case envelope.EventInitialize:
		return s.ReplySnapshot()
	default:
		return s.Forward(s.server.topics.ShepherdReceive, msg)
	}
}

// LensClientHandler is the visualization variant: it also answers
// VISUALIZATION_INITIALIZE with the snapshot and routes DIVIDE_CELL to the
// cell-receive topic.
func LensClientHandler(s *Session, msg envelope.Message) error {
	switch msg.Event() {
	case envelope.EventInitialize, envelope.EventVisualizationInitialize:
		return s.ReplySnapshot()
	case envelope.EventDivideCell:
		return s.Forward(s.server.topics.CellReceive, msg)
	default:
		return s.Forward(s.server.topics.ShepherdReceive, msg)
	}
}

// Session is one bidirectional websocket connection: the event-topic
// subscription feeds the outbound side, and inbound client messages are
// parsed and delegated to the client handler.
type Session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	out    chan []byte
	logger *zap.Logger
}

// handleWS upgrades the connection and runs the session until either side
// closes. A failed upgrade is answered by the upgrader's error handler.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	sess := &Session{
		id:     id,
		server: s,
		conn:   conn,
		out:    make(chan []byte, outBuffer),
		logger: s.logger.With(zap.String("session_id", id)),
	}
	metrics.WebsocketSessions.Inc()
	defer metrics.WebsocketSessions.Dec()
	sess.run(r.Context())
}

func (sess *Session) run(ctx context.Context) {
	defer sess.conn.Close()
	srv := sess.server

	eventTopic := srv.topics.EnvironmentState
	sub := srv.bus.Subscribe(eventTopic)
	defer srv.bus.Unsubscribe(eventTopic, sub)

	sess.logger.Info("Websocket session opened", zap.String("event_topic", eventTopic))

	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Reader pump: parse client messages and delegate.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := sess.conn.ReadMessage()
			if err != nil {
				return
			}
			var msg envelope.Message
			if err := jsonx.Unmarshal(data, (*map[string]any)(&msg)); err != nil {
				sess.logger.Warn("Undecodable client message", zap.Error(err))
				continue
			}
			if err := srv.handler(sess, msg); err != nil {
				sess.logger.Error("Client message handling failed",
					zap.String("event", msg.Event()),
					zap.Error(err))
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	// Writer pump: event-topic fan-out, handler replies, keepalive.
	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			if err := sess.write(wrapTopic(eventTopic, payload)); err != nil {
				return
			}
		case payload := <-sess.out:
			if err := sess.write(payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (sess *Session) write(payload []byte) error {
	sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sess.conn.WriteMessage(websocket.TextMessage, payload)
}

// ReplySnapshot queues the current last-message map for the originating
// socket.
func (sess *Session) ReplySnapshot() error {
	snap := sess.server.cache.Snapshot()
	view := make(map[string]any, len(snap))
	for topic, msg := range snap {
		view[topic] = map[string]any(msg)
	}
	payload, err := jsonx.Marshal(view)
	if err != nil {
		return err
	}
	select {
	case sess.out <- payload:
		return nil
	default:
		sess.logger.Warn("Session outbound buffer full, dropping snapshot")
		return nil
	}
}

// Forward republishes a client message onto a broker topic.
func (sess *Session) Forward(topic string, msg envelope.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return sess.server.producer.Send(ctx, topic, msg)
}

// wrapTopic frames an already-serialized envelope as {topic: envelope} for
// the browser. The payload may carry non-finite literals, so it is spliced
// in verbatim rather than re-encoded.
func wrapTopic(topic string, payload []byte) []byte {
	key, _ := json.Marshal(topic)
	var buf bytes.Buffer
	buf.Grow(len(key) + len(payload) + 3)
	buf.WriteByte('{')
	buf.Write(key)
	buf.WriteByte(':')
	buf.Write(payload)
	buf.WriteByte('}')
	return buf.Bytes()
}
