package transcriber

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Event-stream framing used by the streaming-recognition WebSocket. Every
// binary message is one event: a 12-byte prelude (total length, headers
// length, prelude CRC32), typed headers, the payload, and a trailing CRC32
// over everything before it. All integers are big endian.
const (
	preludeSize      = 12
	messageCRCSize   = 4
	headerTypeString = 7
)

const (
	headerMessageType   = ":message-type"
	headerEventType     = ":event-type"
	headerExceptionType = ":exception-type"
	headerContentType   = ":content-type"

	messageTypeEvent     = "event"
	messageTypeException = "exception"

	eventTypeAudio      = "AudioEvent"
	eventTypeTranscript = "TranscriptEvent"
)

type eventHeader struct {
	Name  string
	Value string
}

type eventMessage struct {
	headers map[string]string
	payload []byte
}

var audioEventHeaders = []eventHeader{
	{Name: headerContentType, Value: "application/octet-stream"},
	{Name: headerEventType, Value: eventTypeAudio},
	{Name: headerMessageType, Value: messageTypeEvent},
}

// encodeAudioEvent wraps one PCM frame as an audio event. An empty frame is
// the end-of-stream marker.
func encodeAudioEvent(pcm []byte) []byte {
	return encodeEventMessage(audioEventHeaders, pcm)
}

func encodeEventMessage(headers []eventHeader, payload []byte) []byte {
	headersLen := 0
	for _, h := range headers {
		headersLen += 1 + len(h.Name) + 1 + 2 + len(h.Value)
	}
	total := preludeSize + headersLen + len(payload) + messageCRCSize

	msg := make([]byte, total)
	binary.BigEndian.PutUint32(msg[0:4], uint32(total))
	binary.BigEndian.PutUint32(msg[4:8], uint32(headersLen))
	binary.BigEndian.PutUint32(msg[8:12], crc32.ChecksumIEEE(msg[0:8]))

	off := preludeSize
	for _, h := range headers {
		msg[off] = byte(len(h.Name))
		off++
		off += copy(msg[off:], h.Name)
		msg[off] = headerTypeString
		off++
		binary.BigEndian.PutUint16(msg[off:off+2], uint16(len(h.Value)))
		off += 2
		off += copy(msg[off:], h.Value)
	}
	off += copy(msg[off:], payload)
	binary.BigEndian.PutUint32(msg[off:], crc32.ChecksumIEEE(msg[:off]))
	return msg
}

func decodeEventMessage(data []byte) (eventMessage, error) {
	if len(data) < preludeSize+messageCRCSize {
		return eventMessage{}, fmt.Errorf("event message too short: %d bytes", len(data))
	}
	total := int(binary.BigEndian.Uint32(data[0:4]))
	headersLen := int(binary.BigEndian.Uint32(data[4:8]))
	if total != len(data) {
		return eventMessage{}, fmt.Errorf("event message length mismatch: prelude says %d, frame is %d", total, len(data))
	}
	if crc32.ChecksumIEEE(data[0:8]) != binary.BigEndian.Uint32(data[8:12]) {
		return eventMessage{}, fmt.Errorf("event message prelude checksum mismatch")
	}
	if crc32.ChecksumIEEE(data[:total-messageCRCSize]) != binary.BigEndian.Uint32(data[total-messageCRCSize:]) {
		return eventMessage{}, fmt.Errorf("event message checksum mismatch")
	}
	if preludeSize+headersLen > total-messageCRCSize {
		return eventMessage{}, fmt.Errorf("event message headers exceed frame")
	}

	msg := eventMessage{
		headers: make(map[string]string),
		payload: data[preludeSize+headersLen : total-messageCRCSize],
	}
	hdr := data[preludeSize : preludeSize+headersLen]
	for len(hdr) > 0 {
		nameLen := int(hdr[0])
		if len(hdr) < 1+nameLen+1+2 {
			return eventMessage{}, fmt.Errorf("truncated event header")
		}
		name := string(hdr[1 : 1+nameLen])
		if typ := hdr[1+nameLen]; typ != headerTypeString {
			return eventMessage{}, fmt.Errorf("unsupported event header type %d for %q", typ, name)
		}
		valueLen := int(binary.BigEndian.Uint16(hdr[1+nameLen+1 : 1+nameLen+3]))
		rest := hdr[1+nameLen+3:]
		if len(rest) < valueLen {
			return eventMessage{}, fmt.Errorf("truncated event header value for %q", name)
		}
		msg.headers[name] = string(rest[:valueLen])
		hdr = rest[valueLen:]
	}
	return msg, nil
}
