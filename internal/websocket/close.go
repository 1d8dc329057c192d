package websocket

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// CloseCode is the status code carried by a Close frame and reported to the
// disconnect callback.
type CloseCode uint16

const (
	CloseNormal              CloseCode = 1000
	CloseEndpointUnavailable CloseCode = 1001
	CloseProtocolError       CloseCode = 1002
	CloseInvalidMessageType  CloseCode = 1003
	CloseEmpty               CloseCode = 1005
	CloseAbnormal            CloseCode = 1006
	CloseInvalidPayloadData  CloseCode = 1007
	ClosePolicyViolation     CloseCode = 1008
	CloseMessageTooBig       CloseCode = 1009
	CloseInternalServerError CloseCode = 1011

	// Application codes.
	CloseFullCapacity CloseCode = 4000
	CloseInvalidRoom  CloseCode = 4001
	CloseRoomClosed   CloseCode = 4002
)

var closeCodeStrings = map[CloseCode]string{
	CloseNormal:              "normal",
	CloseEndpointUnavailable: "endpoint_unavailable",
	CloseProtocolError:       "protocol_error",
	CloseInvalidMessageType:  "invalid_message_type",
	CloseEmpty:               "empty",
	CloseAbnormal:            "abnormal",
	CloseInvalidPayloadData:  "invalid_payload_data",
	ClosePolicyViolation:     "policy_violation",
	CloseMessageTooBig:       "message_too_big",
	CloseInternalServerError: "internal_server_error",
	CloseFullCapacity:        "full_capacity",
	CloseInvalidRoom:         "invalid_room",
	CloseRoomClosed:          "room_closed",
}

func (c CloseCode) String() string {
	if s, ok := closeCodeStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("close_%d", uint16(c))
}

// sendable reports whether the code may appear in a Close frame. 1005 and
// 1006 are reserved for local reporting only.
func (c CloseCode) sendable() bool {
	return c != CloseEmpty && c != CloseAbnormal
}

// FormatClose builds a Close frame payload. Codes that must not be sent
// produce an empty payload.
func FormatClose(code CloseCode, reason string) []byte {
	if !code.sendable() {
		return nil
	}
	if len(reason) > MaxControlPayloadSize-2 {
		reason = reason[:MaxControlPayloadSize-2]
	}
	buf := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), uint16(code))
	return append(buf, reason...)
}

// ParseClose decodes a Close frame payload. An empty payload reports
// CloseEmpty.
func ParseClose(payload []byte) (CloseCode, string, error) {
	switch {
	case len(payload) == 0:
		return CloseEmpty, "", nil
	case len(payload) == 1:
		return CloseProtocolError, "", &FrameError{Err: fmt.Errorf("close payload of 1 byte"), Opcode: OpcodeClose}
	}
	code := CloseCode(binary.BigEndian.Uint16(payload))
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return CloseInvalidPayloadData, "", &FrameError{Err: fmt.Errorf("close reason is not UTF-8"), Opcode: OpcodeClose}
	}
	return code, string(reason), nil
}
