package detector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/landmarks"
)

var openJaw = landmarks.Measurements{LipGap: 0.85, MouthWidth: 0.6, JawOpening: 0.85, LipCompression: 0.05, Rounding: 0.1}

func TestSynthetic_FollowsScriptBySequence(t *testing.T) {
	closed := landmarks.Measurements{MouthWidth: 0.45, JawOpening: 0.02, LipCompression: 0.95, Rounding: 0.05}
	d, err := NewSynthetic(Utterance([]landmarks.Measurements{openJaw, closed}, 2, 1), 0)
	require.NoError(t, err)
	require.Equal(t, 6, d.Len())

	ctx := context.Background()
	for seq, want := range []*landmarks.Measurements{&openJaw, &openJaw, nil, &closed, &closed, nil, &openJaw} {
		set, err := d.Detect(ctx, Frame{Seq: uint64(seq)})
		require.NoError(t, err)
		if want == nil {
			assert.Nil(t, set, "seq %d", seq)
			continue
		}
		got := landmarks.Extract(set)
		assert.InDelta(t, want.LipGap, got.LipGap, 1e-3, "seq %d", seq)
		assert.InDelta(t, want.LipCompression, got.LipCompression, 1e-3, "seq %d", seq)
	}
	assert.Equal(t, 7, d.Calls())
}

func TestSynthetic_LatencyHonoursContext(t *testing.T) {
	d, err := NewSynthetic([]Shape{{Measurements: openJaw}}, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.Detect(ctx, Frame{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewSynthetic_EmptyScript(t *testing.T) {
	_, err := NewSynthetic(nil, 0)
	assert.ErrorIs(t, err, ErrEmptyScript)
}

// landmarkServer answers frames according to reply, which may return nil
// to stay silent.
func landmarkServer(t *testing.T, reply func(WSFrameMessage) any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(streamPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg WSFrameMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if out := reply(msg); out != nil {
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWSClient_Detect(t *testing.T) {
	points := landmarks.Synthesize(openJaw)
	srv := landmarkServer(t, func(msg WSFrameMessage) any {
		if msg.Sequence == 2 {
			return WSLandmarksMessage{Type: "landmarks", FrameSequence: msg.Sequence}
		}
		if msg.Offset != 250 {
			return WSErrorMessage{Type: "error", FrameSequence: msg.Sequence, Message: "bad offset"}
		}
		return WSLandmarksMessage{Type: "landmarks", FrameSequence: msg.Sequence, Points: points}
	})

	c := NewWSClient(srv.URL, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()
	assert.True(t, c.IsConnected())
	require.NoError(t, c.CheckHealth(ctx))

	set, err := c.Detect(ctx, Frame{Seq: 1, Data: []byte{0xff, 0xd8}, Format: "jpeg", Timestamp: 250 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, set, landmarks.FaceMeshCount)
	assert.InDelta(t, openJaw.JawOpening, landmarks.Extract(set).JawOpening, 1e-3)

	set, err = c.Detect(ctx, Frame{Seq: 2})
	require.NoError(t, err)
	assert.Nil(t, set, "no face")
}

func TestWSClient_ServiceErrorAndTimeout(t *testing.T) {
	srv := landmarkServer(t, func(msg WSFrameMessage) any {
		switch msg.Sequence {
		case 1:
			return WSErrorMessage{Type: "error", FrameSequence: 1, Message: "model not loaded"}
		default:
			return nil
		}
	})

	c := NewWSClient(srv.URL, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	_, err := c.Detect(ctx, Frame{Seq: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")

	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, err = c.Detect(short, Frame{Seq: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWSClient_NotConnected(t *testing.T) {
	c := NewWSClient("http://127.0.0.1:1", zerolog.Nop())
	_, err := c.Detect(context.Background(), Frame{Seq: 1})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWSLandmarksMessage_PointsDecode(t *testing.T) {
	var msg WSLandmarksMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"landmarks","frame_sequence":7,"points":[[0.1,0.2,0.3]]}`), &msg))
	assert.Equal(t, uint64(7), msg.FrameSequence)
	require.Len(t, msg.Points, 1)
	assert.InDelta(t, 0.2, msg.Points[0].Y(), 1e-6)
}
