package backend

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mohitkumar/renderfleet/rferrors"
)

// Frame is one decoded message off a StreamChannel: either a JSON control
// frame ({"type": ..., "data": ...}) or a binary preview frame.
type Frame struct {
	Type        string
	Data        map[string]any
	Preview     []byte // set only when Type == "preview"
	PreviewMime string // "image/jpeg" or "image/png", set only when Type == "preview"
}

// StreamChannel is the duplex transport a Client multiplexes progress and
// preview frames over. gorilla/websocket backs the default implementation.
// The polling fallback used when a socket cannot be opened is not a
// StreamChannel; it is Client.startPolling in poll.go.
type StreamChannel interface {
	// Frames delivers decoded frames until the channel closes.
	Frames() <-chan Frame
	// Done closes when the channel has terminated, for any reason.
	Done() <-chan struct{}
	// Err returns the reason Done closed, if not a clean Close.
	Err() error
	// Close terminates the channel. force skips the close handshake.
	Close(force bool)
}

// wsChannel is the gorilla/websocket-backed StreamChannel.
type wsChannel struct {
	conn   *websocket.Conn
	frames chan Frame
	done   chan struct{}
	err    error
}

func dialWebsocket(ctx context.Context, wsURL string, headers http.Header) (StreamChannel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, rferrors.NewTransport(err)
	}
	ch := &wsChannel{
		conn:   conn,
		frames: make(chan Frame, 32),
		done:   make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

func (w *wsChannel) readLoop() {
	defer close(w.done)
	defer close(w.frames)
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.err = rferrors.NewTransport(err)
			return
		}
		frame, ok := decodeFrame(msgType, data)
		if !ok {
			continue
		}
		w.frames <- frame
	}
}

// previewMimeTypes maps the second 4-byte big-endian word of a preview
// frame to its MIME type (spec.md §4.2).
var previewMimeTypes = map[uint32]string{
	1: "image/jpeg",
	2: "image/png",
}

// decodeFrame mirrors the browser client's two wire shapes: a binary frame
// whose first 4 bytes are a big-endian event type (1 == PREVIEW_IMAGE,
// followed by a 4-byte big-endian MIME word and then the image bytes), and
// a text frame carrying a {"type","data"} JSON envelope.
func decodeFrame(msgType int, data []byte) (Frame, bool) {
	if msgType == websocket.BinaryMessage {
		if len(data) < 4 {
			return Frame{}, false
		}
		eventType := binary.BigEndian.Uint32(data[:4])
		if eventType == 1 {
			if len(data) < 8 {
				return Frame{}, false
			}
			mime := previewMimeTypes[binary.BigEndian.Uint32(data[4:8])]
			return Frame{Type: "preview", Preview: data[8:], PreviewMime: mime}, true
		}
		return Frame{}, false
	}
	var envelope struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Frame{}, false
	}
	return Frame{Type: envelope.Type, Data: envelope.Data}, true
}

func (w *wsChannel) Frames() <-chan Frame    { return w.frames }
func (w *wsChannel) Done() <-chan struct{}   { return w.done }
func (w *wsChannel) Err() error              { return w.err }

func (w *wsChannel) Close(force bool) {
	if force {
		w.conn.Close()
		return
	}
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.conn.Close()
}
