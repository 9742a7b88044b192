package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/progress"
	"github.com/contact-bulk-upload-api/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client and server event names on the progress socket
const (
	EventJoinRoom  = "join-upload-room"
	EventLeaveRoom = "leave-upload-room"
	EventError     = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var errPeerClosed = errors.New("peer closed the connection")

// ClientMessage is sent by a client to join or leave an upload room
type ClientMessage struct {
	Event  string `json:"event"`
	FileID string `json:"fileId"`
}

// ServerMessage is sent to a client. Progress messages are named after the
// file's topic and carry the snapshot in Data.
type ServerMessage struct {
	Event string                `json:"event"`
	Data  *models.ProgressEvent `json:"data,omitempty"`
	Error string                `json:"error,omitempty"`
}

// ProgressHandler serves the progress WebSocket
type ProgressHandler struct {
	services *service.Services
	log      zerolog.Logger
}

// NewProgressHandler creates a new ProgressHandler
func NewProgressHandler(services *service.Services, log zerolog.Logger) *ProgressHandler {
	return &ProgressHandler{
		services: services,
		log:      log.With().Str("handler", "progress").Logger(),
	}
}

// Serve handles GET /contacts/upload-progress/ws
func (h *ProgressHandler) Serve(c *gin.Context) {
	conn, rw, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	// frames sent right after the handshake may already be buffered
	var source io.Reader = conn
	if rw != nil {
		source = rw.Reader
	}

	client := &progressClient{
		id:       uuid.NewString(),
		conn:     conn,
		services: h.services,
		send:     make(chan ServerMessage, sendBuffer),
		control:  make(chan ws.Frame, 4),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
	client.log = h.log.With().Str("client_id", client.id).Logger()
	client.reader = &wsutil.Reader{
		Source:         source,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   maxMessageSize,
		OnIntermediate: client.handleControl,
	}
	client.log.Debug().Str("remote", c.ClientIP()).Msg("Progress client connected")

	go client.writePump()
	client.readPump(c.Request.Context())
}

// progressClient is one socket connection. rooms is owned by readPump;
// writePump is the only goroutine writing to or closing conn.
type progressClient struct {
	id       string
	conn     net.Conn
	reader   *wsutil.Reader
	services *service.Services
	send     chan ServerMessage
	control  chan ws.Frame
	done     chan struct{}
	rooms    map[string]struct{}
	log      zerolog.Logger
}

func (c *progressClient) readPump(ctx context.Context) {
	defer func() {
		c.leaveAll()
		close(c.done)
		c.log.Debug().Msg("Progress client disconnected")
	}()

	for {
		data, err := c.readMessage()
		if err != nil {
			if !errors.Is(err, errPeerClosed) && !errors.Is(err, io.EOF) {
				c.log.Debug().Err(err).Msg("Progress socket read failed")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(ServerMessage{Event: EventError, Error: "malformed message"})
			continue
		}

		switch msg.Event {
		case EventJoinRoom:
			c.join(ctx, msg.FileID)
		case EventLeaveRoom:
			c.leave(msg.FileID)
		default:
			c.enqueue(ServerMessage{Event: EventError, Error: "unknown event " + msg.Event})
		}
	}
}

// readMessage returns the next data message, reassembling fragments. Pings
// are answered through writePump and any frame refreshes the read deadline.
func (c *progressClient) readMessage() ([]byte, error) {
	for {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		header, err := c.reader.NextFrame()
		if err != nil {
			return nil, err
		}
		if header.OpCode.IsControl() {
			if err := c.handleControl(header, c.reader); err != nil {
				return nil, err
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(c.reader, maxMessageSize+1))
		if err != nil {
			return nil, err
		}
		if len(data) > maxMessageSize {
			return nil, fmt.Errorf("message exceeds %d bytes", maxMessageSize)
		}
		return data, nil
	}
}

// handleControl handles a control frame, including one interleaved with the
// fragments of a message
func (c *progressClient) handleControl(header ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch header.OpCode {
	case ws.OpPing:
		select {
		case c.control <- ws.NewPongFrame(payload):
		default:
		}
	case ws.OpClose:
		return errPeerClosed
	}
	return nil
}

func (c *progressClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error().Err(err).Str("event", msg.Event).Msg("Failed to encode progress message")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerText(c.conn, data); err != nil {
				c.log.Debug().Err(err).Msg("Progress write failed")
				return
			}
		case frame := <-c.control:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteFrame(c.conn, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteFrame(c.conn, ws.NewPingFrame(nil)); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			return
		}
	}
}

// join subscribes to a file's room. A client joining after the job finished
// gets the terminal snapshot and no subscription.
func (c *progressClient) join(ctx context.Context, fileID string) {
	if fileID == "" {
		c.enqueue(ServerMessage{Event: EventError, Error: "fileId is required"})
		return
	}
	if _, ok := c.rooms[fileID]; ok {
		return
	}

	sub := c.services.Progress.Subscribe(fileID, c.id)
	c.rooms[fileID] = struct{}{}
	go c.forward(sub)

	job, err := c.services.Job.GetJobByFileID(ctx, fileID)
	if err != nil {
		// the job may not be visible yet; live events will follow
		c.log.Debug().Err(err).Str("file_id", fileID).Msg("No job for joined room")
		return
	}
	if job.Terminal() {
		c.leave(fileID)
		ev := terminalSnapshot(job)
		c.enqueue(ServerMessage{Event: progress.Topic(fileID), Data: &ev})
	}
}

func (c *progressClient) leave(fileID string) {
	if _, ok := c.rooms[fileID]; !ok {
		return
	}
	delete(c.rooms, fileID)
	c.services.Progress.Unsubscribe(fileID, c.id)
}

func (c *progressClient) leaveAll() {
	for fileID := range c.rooms {
		c.leave(fileID)
	}
}

// forward relays a subscription until it is closed or the client goes away
func (c *progressClient) forward(sub *progress.Subscription) {
	topic := progress.Topic(sub.FileID)
	for ev := range sub.Events() {
		if !c.enqueue(ServerMessage{Event: topic, Data: &ev}) {
			return
		}
	}
}

func (c *progressClient) enqueue(msg ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

func terminalSnapshot(job *models.ImportJob) models.ProgressEvent {
	ts := time.Now()
	var elapsed time.Duration
	if job.CompletedAt != nil {
		ts = *job.CompletedAt
		if job.StartedAt != nil {
			elapsed = job.CompletedAt.Sub(*job.StartedAt)
		}
	}
	return models.NewProgressEvent(job, ts, elapsed)
}
