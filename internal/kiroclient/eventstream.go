package kiroclient

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Event is one decoded AWS event-stream frame: the ":event-type" header
// value plus its JSON payload, already unmarshaled into a generic map so
// callers can read fields by name without a second parse pass.
type Event struct {
	Type    string
	Payload map[string]any
}

// Header value type tags from the AWS event-stream spec. 0/1 are boolean
// true/false (carry no value bytes); the rest are either fixed-width or
// length-prefixed.
const (
	headerTypeBoolTrue  = 0
	headerTypeBoolFalse = 1
	headerTypeByte      = 2
	headerTypeShort     = 3
	headerTypeInteger   = 4
	headerTypeLong      = 5
	headerTypeByteArray = 6
	headerTypeString    = 7
	headerTypeTimestamp = 8
	headerTypeUUID      = 9
)

// ReadEvents decodes the AWS event-stream binary framing from body, calling
// fn for each decoded event until EOF or the first error. Framing is parsed
// byte-for-byte per the reference Kiro client's readEventStreamMessage:
// a 12-byte prelude (big-endian total_length, headers_length, prelude CRC),
// a headers section, a JSON payload, and a trailing 4-byte message CRC.
// Neither CRC is validated — the upstream transport is trusted, matching the
// reference implementation.
func ReadEvents(body io.Reader, fn func(Event) error) error {
	for {
		prelude := make([]byte, 12)
		if _, err := io.ReadFull(body, prelude); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read event-stream prelude: %w", err)
		}

		totalLength := int(binary.BigEndian.Uint32(prelude[0:4]))
		headersLength := int(binary.BigEndian.Uint32(prelude[4:8]))
		if totalLength < 16 {
			continue
		}

		rest := make([]byte, totalLength-12)
		if _, err := io.ReadFull(body, rest); err != nil {
			return fmt.Errorf("read event-stream message: %w", err)
		}
		if headersLength > len(rest)-4 {
			continue
		}

		eventType := extractEventType(rest[:headersLength])
		payloadBytes := rest[headersLength : len(rest)-4]
		if len(payloadBytes) == 0 {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(payloadBytes, &payload); err != nil {
			continue
		}

		if err := fn(Event{Type: eventType, Payload: payload}); err != nil {
			return err
		}
	}
}

// extractEventType walks the header entries looking for ":event-type",
// skipping any other header by its declared value type. Each header entry is
// [1B name-len][name][1B type][type-tagged value].
func extractEventType(headers []byte) string {
	offset := 0
	for offset < len(headers) {
		nameLen := int(headers[offset])
		offset++
		if offset+nameLen > len(headers) {
			return ""
		}
		name := string(headers[offset : offset+nameLen])
		offset += nameLen
		if offset >= len(headers) {
			return ""
		}
		valueType := headers[offset]
		offset++

		switch valueType {
		case headerTypeString, headerTypeByteArray:
			if offset+2 > len(headers) {
				return ""
			}
			valueLen := int(binary.BigEndian.Uint16(headers[offset : offset+2]))
			offset += 2
			if offset+valueLen > len(headers) {
				return ""
			}
			value := string(headers[offset : offset+valueLen])
			offset += valueLen
			if name == ":event-type" && valueType == headerTypeString {
				return value
			}
		case headerTypeBoolTrue, headerTypeBoolFalse:
			// no value bytes
		case headerTypeByte:
			offset++
		case headerTypeShort:
			offset += 2
		case headerTypeInteger:
			offset += 4
		case headerTypeLong:
			offset += 8
		case headerTypeTimestamp:
			offset += 8
		case headerTypeUUID:
			offset += 16
		default:
			return ""
		}
	}
	return ""
}
