package backend

import (
	"encoding/binary"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestDecodeFramePreviewStripsEventAndMimeWords(t *testing.T) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], 1) // PREVIEW_IMAGE
	binary.BigEndian.PutUint32(payload[4:8], 2) // PNG
	payload = append(payload, []byte{0xDE, 0xAD, 0xBE, 0xEF}...)

	frame, ok := decodeFrame(websocket.BinaryMessage, payload)
	require.True(t, ok)
	require.Equal(t, "preview", frame.Type)
	require.Equal(t, "image/png", frame.PreviewMime)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, frame.Preview)
}

func TestDecodeFrameRejectsShortPreviewPayload(t *testing.T) {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint32(payload[0:4], 1)

	_, ok := decodeFrame(websocket.BinaryMessage, payload)
	require.False(t, ok)
}

func TestDecodeFrameTextEnvelope(t *testing.T) {
	frame, ok := decodeFrame(websocket.TextMessage, []byte(`{"type":"status","data":{"a":1}}`))
	require.True(t, ok)
	require.Equal(t, "status", frame.Type)
	require.Equal(t, float64(1), frame.Data["a"])
}
