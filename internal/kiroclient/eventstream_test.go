package kiroclient

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
)

// encodeFrame builds one AWS event-stream frame carrying eventType in its
// headers and payload as the JSON body, mirroring the wire shape ReadEvents
// decodes.
func encodeFrame(eventType string, payload map[string]any) []byte {
	var headers bytes.Buffer
	name := ":event-type"
	headers.WriteByte(byte(len(name)))
	headers.WriteString(name)
	headers.WriteByte(headerTypeString)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(eventType)))
	headers.Write(lenBuf[:])
	headers.WriteString(eventType)

	payloadBytes, _ := json.Marshal(payload)

	totalLength := 12 + headers.Len() + len(payloadBytes) + 4
	var prelude [12]byte
	binary.BigEndian.PutUint32(prelude[0:4], uint32(totalLength))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(headers.Len()))

	var out bytes.Buffer
	out.Write(prelude[:])
	out.Write(headers.Bytes())
	out.Write(payloadBytes)
	out.Write([]byte{0, 0, 0, 0}) // message CRC, unvalidated
	return out.Bytes()
}

func TestReadEventsDecodesMultipleFrames(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(encodeFrame("assistantResponseEvent", map[string]any{"content": "Hello"}))
	stream.Write(encodeFrame("assistantResponseEvent", map[string]any{"content": " world"}))
	stream.Write(encodeFrame("toolUseEvent", map[string]any{"toolUseId": "t1", "name": "get_weather", "stop": true}))

	var got []Event
	err := ReadEvents(&stream, func(e Event) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Type != "assistantResponseEvent" || got[0].Payload["content"] != "Hello" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[2].Type != "toolUseEvent" || got[2].Payload["name"] != "get_weather" {
		t.Fatalf("unexpected third event: %+v", got[2])
	}
}

func TestReadEventsEmptyStreamIsNotAnError(t *testing.T) {
	if err := ReadEvents(bytes.NewReader(nil), func(Event) error { return nil }); err != nil {
		t.Fatalf("empty stream should not error: %v", err)
	}
}

func TestReadEventsPropagatesCallbackError(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(encodeFrame("assistantResponseEvent", map[string]any{"content": "x"}))

	wantErr := io.ErrClosedPipe
	err := ReadEvents(&stream, func(Event) error { return wantErr })
	if err != wantErr {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
}
