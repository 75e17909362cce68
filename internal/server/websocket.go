package server

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adverant/nexus/counterscan-worker/internal/scanner"
)

const (
	wsWriteTimeout  = 5 * time.Second
	wsPingInterval  = 30 * time.Second
	wsReadTimeout   = 2 * wsPingInterval
	wsStatsInterval = time.Second
)

// wsMessage is every JSON message the server sends on /ws/scan
type wsMessage struct {
	Type      string                 `json:"type"` // started, stats, result, error
	SessionID string                 `json:"sessionId,omitempty"`
	Stats     *scanner.Stats         `json:"stats,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// wsConn serialises writes; gorilla connections allow one concurrent writer
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// handleWebsocket runs one scan session over a websocket. Query parameters
// select the preset and tuning (minOccurrences, maxDurationMs, skipCodeDecode).
// Binary messages are encoded frames; the text message "stop" cancels. The
// final result is sent as JSON and the connection is closed.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	req, err := startRequestFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	session, err := s.startSession(req)
	if err != nil {
		writeError(w, err)
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		session.Stop()
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	log := s.logger.With("sessionId", session.ID())
	log.Info("Websocket scan started", "remote", r.RemoteAddr)

	if err := conn.send(wsMessage{Type: "started", SessionID: session.ID()}); err != nil {
		session.Stop()
		return
	}

	readerDone := make(chan struct{})
	go s.readFrames(conn, session, readerDone)

	stats := time.NewTicker(wsStatsInterval)
	defer stats.Stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-session.Done():
			result, _ := session.Result()
			conn.send(wsMessage{Type: "result", SessionID: session.ID(), Result: resultBody(result)})
			conn.mu.Lock()
			raw.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(result.Kind)),
				time.Now().Add(wsWriteTimeout))
			conn.mu.Unlock()
			log.Info("Websocket scan finished", "kind", result.Kind)
			return

		case <-readerDone:
			// Client went away; nobody is left to receive a result.
			session.Stop()
			log.Info("Websocket client disconnected")
			return

		case <-stats.C:
			st := session.Stats()
			if err := conn.send(wsMessage{Type: "stats", SessionID: session.ID(), Stats: &st}); err != nil {
				session.Stop()
				return
			}

		case <-ping.C:
			if err := conn.ping(); err != nil {
				session.Stop()
				return
			}
		}
	}
}

// readFrames pumps client messages into the session until the connection
// breaks or the session ends
func (s *Server) readFrames(conn *wsConn, session *scanner.Session, done chan<- struct{}) {
	defer close(done)

	raw := conn.conn
	raw.SetReadLimit(maxFrameBytes)
	raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		kind, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsReadTimeout))

		switch kind {
		case websocket.TextMessage:
			if strings.TrimSpace(strings.ToLower(string(data))) == "stop" {
				session.Stop()
			}
		case websocket.BinaryMessage:
			if _, err := s.acceptFrame(session.ID(), data); err != nil {
				if conn.send(wsMessage{Type: "error", SessionID: session.ID(), Error: err.Error()}) != nil {
					return
				}
			}
		}
	}
}

// startRequestFromQuery reads session parameters from the upgrade request
func startRequestFromQuery(r *http.Request) (StartRequest, error) {
	q := r.URL.Query()
	req := StartRequest{Preset: q.Get("preset")}

	if v := q.Get("minOccurrences"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, invalidQuery("minOccurrences", err)
		}
		req.Options.MinOccurrences = n
	}
	if v := q.Get("maxDurationMs"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, invalidQuery("maxDurationMs", err)
		}
		req.Options.MaxDurationMs = n
	}
	if v := q.Get("skipCodeDecode"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, invalidQuery("skipCodeDecode", err)
		}
		req.Options.SkipCodeDecode = b
	}
	return req, nil
}
