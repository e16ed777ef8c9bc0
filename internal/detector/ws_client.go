package detector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/landmarks"
)

const (
	streamPath = "/v1/landmarks/ws"
	healthPath = "/v1/landmarks/health"
)

// WSFrameMessage is sent to the landmark service for each frame
type WSFrameMessage struct {
	Type     string  `json:"type"`
	Data     string  `json:"data"`
	MimeType string  `json:"mime_type"`
	Sequence uint64  `json:"sequence"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Offset   float64 `json:"offset_ms"` // milliseconds since session start
}

// WSLandmarksMessage carries the detected face mesh for one frame. An
// empty point list means no face was found.
type WSLandmarksMessage struct {
	Type          string       `json:"type"`
	FrameSequence uint64       `json:"frame_sequence"`
	Points        []mgl32.Vec3 `json:"points"`
	LatencyMs     int64        `json:"latency_ms"`
}

// WSErrorMessage reports a per-frame or connection error
type WSErrorMessage struct {
	Type          string `json:"type"`
	FrameSequence uint64 `json:"frame_sequence,omitempty"`
	Message       string `json:"message"`
}

type wsReply struct {
	set landmarks.Set
	err error
}

// WSClient talks to a remote landmark service over a single WebSocket.
// Requests are matched to replies by frame sequence; replies for
// requests the caller already gave up on are dropped.
type WSClient struct {
	baseURL string
	logger  zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[uint64]chan wsReply
	cancel    context.CancelFunc

	writeMu sync.Mutex
}

// NewWSClient creates a client for the service at baseURL (http or https).
func NewWSClient(baseURL string, logger zerolog.Logger) *WSClient {
	return &WSClient{
		baseURL: baseURL,
		logger:  logger.With().Str("component", "detector-ws").Logger(),
		pending: make(map[uint64]chan wsReply),
	}
}

// Connect dials the service and keeps the connection alive in the
// background until ctx is done or Disconnect is called.
func (c *WSClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.connectLoop(ctx, conn)
	return nil
}

// Disconnect closes the connection and fails outstanding requests.
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.detach(conn)
}

// IsConnected returns connection status
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Detect sends frame and waits for its landmarks or ctx expiry.
func (c *WSClient) Detect(ctx context.Context, frame Frame) (landmarks.Set, error) {
	reply := make(chan wsReply, 1)

	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, dup := c.pending[frame.Seq]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("frame %d already in flight", frame.Seq)
	}
	c.pending[frame.Seq] = reply
	conn := c.conn
	c.mu.Unlock()

	defer c.forget(frame.Seq)

	msg := WSFrameMessage{
		Type:     "frame",
		Data:     base64.StdEncoding.EncodeToString(frame.Data),
		MimeType: frame.MimeType(),
		Sequence: frame.Seq,
		Width:    frame.Width,
		Height:   frame.Height,
		Offset:   float64(frame.Timestamp) / float64(time.Millisecond),
	}

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-reply:
		return r.set, r.err
	}
}

func (c *WSClient) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// connectLoop reads from conn and redials with backoff when it drops.
func (c *WSClient) connectLoop(ctx context.Context, conn *websocket.Conn) {
	backoff := 500 * time.Millisecond
	maxBackoff := 30 * time.Second

	for {
		err := c.readLoop(ctx, conn)
		c.detach(conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Msg("Landmark service connection lost, reconnecting")

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			conn, err = c.dial(ctx)
			if err == nil {
				backoff = 500 * time.Millisecond
				break
			}
			c.logger.Debug().Err(err).Dur("backoff", backoff).Msg("Landmark service still unavailable")
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = streamPath

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info().Str("url", u.String()).Msg("Connected to landmark service")
	return conn, nil
}

// detach marks conn as gone and fails every request still waiting on it.
func (c *WSClient) detach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.connected = false
	for seq, ch := range c.pending {
		ch <- wsReply{err: ErrNotConnected}
		delete(c.pending, seq)
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(msg)
	}
}

func (c *WSClient) handleMessage(raw json.RawMessage) {
	var typeMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &typeMsg); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to parse message type")
		return
	}

	switch typeMsg.Type {
	case "landmarks":
		var msg WSLandmarksMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to parse landmarks message")
			return
		}
		var set landmarks.Set
		if len(msg.Points) > 0 {
			set = landmarks.Set(msg.Points)
		}
		c.deliver(msg.FrameSequence, wsReply{set: set})

	case "error":
		var msg WSErrorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to parse error message")
			return
		}
		c.logger.Warn().Uint64("frame", msg.FrameSequence).Str("message", msg.Message).Msg("Landmark service error")
		c.deliver(msg.FrameSequence, wsReply{err: fmt.Errorf("landmark service: %s", msg.Message)})

	default:
		c.logger.Debug().Str("type", typeMsg.Type).Msg("Unknown message type")
	}
}

func (c *WSClient) deliver(seq uint64, r wsReply) {
	c.mu.Lock()
	ch, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Uint64("frame", seq).Msg("Dropping reply for abandoned frame")
		return
	}
	ch <- r
}

// CheckHealth checks the landmark service health endpoint
func (c *WSClient) CheckHealth(ctx context.Context) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	u.Path = healthPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}
