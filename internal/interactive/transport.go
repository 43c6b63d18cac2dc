package interactive

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sandboxrunner/internal/logging"
	"sandboxrunner/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // every origin is accepted; the CORS middleware does not reject upgrades either
	},
}

// clientFrame is the union of every message shape a client may send on
// /ws-execute, per the streaming interactive channel's wire contract.
type clientFrame struct {
	Type          string            `json:"type"`
	SessionID     string            `json:"sessionId,omitempty"`
	Files         map[string]string `json:"files,omitempty"`
	IsJava        bool              `json:"isJava,omitempty"`
	Language      string            `json:"language,omitempty"`
	MainClassName string            `json:"mainClassName,omitempty"`
	Text          string            `json:"text,omitempty"`
}

type serverFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServeWS upgrades r to a websocket and drives one /ws-execute client
// through its lifetime: startSession selects an existing session (created
// beforehand via the HTTP create-session endpoints), after which frames are
// dispatched to the Coordinator until disconnect or the socket closes.
func ServeWS(co *Coordinator, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.S().Warnw("interactive: websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{
		conn:       conn,
		co:         co,
		send:       make(chan serverFrame, 64),
		writerGone: make(chan struct{}),
	}
	metrics.Get().RecordWebSocketConnection("ws-execute", 1)
	go client.writePump()
	client.readPump()
	metrics.Get().RecordWebSocketConnection("ws-execute", -1)
}

type wsClient struct {
	conn       *websocket.Conn
	co         *Coordinator
	send       chan serverFrame
	sessionID  string
	attachment *Attachment
	pumpDone   chan struct{}
	writerGone chan struct{}
}

func (c *wsClient) readPump() {
	defer c.cleanup()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.reply(serverFrame{Type: "error", Text: "invalid message format"})
			continue
		}
		metrics.Get().RecordWebSocketMessage(frame.Type, "inbound", len(raw))
		c.handle(frame)
	}
}

func (c *wsClient) handle(frame clientFrame) {
	ctx := context.Background()
	switch frame.Type {
	case "startSession":
		c.startSession(frame.SessionID)
	case "upsertFiles":
		if err := c.co.UpsertFiles(c.sessionID, frame.Files, frame.IsJava); err != nil {
			c.reply(serverFrame{Type: "error", Text: err.Error()})
			return
		}
		c.reply(serverFrame{Type: "filesUpdated", Text: "ok"})
	case "startProgram":
		if err := c.co.StartProgram(c.sessionID, frame.MainClassName); err != nil {
			c.reply(serverFrame{Type: "error", Text: err.Error()})
			return
		}
		c.reply(serverFrame{Type: "programStarted", Text: "ok"})
	case "sendInput":
		if err := c.co.SendInput(c.sessionID, frame.Text); err != nil {
			c.reply(serverFrame{Type: "error", Text: err.Error()})
		}
	case "disconnect":
		_ = c.co.Disconnect(ctx, c.sessionID)
		c.conn.Close()
	default:
		c.reply(serverFrame{Type: "error", Text: "unknown message type"})
	}
}

func (c *wsClient) startSession(sessionID string) {
	att, history, err := c.co.Attach(sessionID)
	if err != nil {
		c.reply(serverFrame{Type: "error", Text: err.Error()})
		return
	}
	c.detachCurrent()
	c.sessionID = sessionID
	c.attachment = att
	c.pumpDone = make(chan struct{})
	if len(history) > 0 {
		c.reply(serverFrame{Type: "output", Text: StripANSI(string(history))})
	}
	go c.pumpSessionOutput(att, c.pumpDone)
}

// pumpSessionOutput forwards one attachment's live output until the
// Coordinator closes it (detach or session teardown). It bails out if the
// write pump is gone, so a dead client socket cannot wedge cleanup behind a
// full send buffer.
func (c *wsClient) pumpSessionOutput(att *Attachment, done chan struct{}) {
	defer close(done)
	for chunk := range att.Output {
		select {
		case c.send <- serverFrame{Type: "output", Text: StripANSI(string(chunk))}:
		case <-c.writerGone:
			return
		}
	}
}

// reply queues a frame for the write pump, dropping it if the writer has
// already gone away.
func (c *wsClient) reply(frame serverFrame) {
	select {
	case c.send <- frame:
	case <-c.writerGone:
	}
}

// detachCurrent unsubscribes the active attachment, if any, and waits for
// its pump to finish so nothing writes to c.send after cleanup closes it.
func (c *wsClient) detachCurrent() {
	if c.attachment == nil {
		return
	}
	c.attachment.Detach()
	<-c.pumpDone
	c.attachment = nil
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.writerGone)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			metrics.Get().RecordWebSocketMessage(frame.Type, "outbound", len(payload))
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) cleanup() {
	c.detachCurrent()
	close(c.send)
}
