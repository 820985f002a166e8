package mesh

import (
	"encoding/binary"
	"fmt"
)

// MaxPayloadSize is the largest application payload a single Frame can carry.
// Matches the ceiling of the link layer this core was designed against: header
// plus payload must stay under a ~250 byte air-interface MTU.
const MaxPayloadSize = 218

// HWIDSize is the width of a hardware address on the link layer.
const HWIDSize = 6

// HWID is a link-layer hardware address. The all-ones value is reserved for
// broadcast.
type HWID [HWIDSize]byte

// BroadcastHWID is the reserved destination address meaning "all neighbors".
var BroadcastHWID = HWID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// IsBroadcast reports whether id is the reserved broadcast address.
func (id HWID) IsBroadcast() bool {
	return id == BroadcastHWID
}

func (id HWID) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", id[0], id[1], id[2], id[3], id[4], id[5])
}

// MessageType identifies which of the five frame variants a Frame carries.
type MessageType uint8

const (
	FrameBroadcast MessageType = iota
	FrameUnicast
	FrameDeliveryConfirm
	FrameSearchRequest
	FrameSearchResponse
)

func (t MessageType) String() string {
	switch t {
	case FrameBroadcast:
		return "BROADCAST"
	case FrameUnicast:
		return "UNICAST"
	case FrameDeliveryConfirm:
		return "DELIVERY_CONFIRM"
	case FrameSearchRequest:
		return "SEARCH_REQUEST"
	case FrameSearchResponse:
		return "SEARCH_RESPONSE"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// frameHeaderSize is the length of everything in a wire Frame except the
// variable-length payload: type(1) + mesh id(4) + message id(4) + confirm id(4)
// + original target(6) + original sender(6) + payload len(1).
const frameHeaderSize = 1 + 4 + 4 + 4 + HWIDSize + HWIDSize + 1

// Frame is one on-air message. SenderHWID is never transmitted: it is
// reconstructed by the Radio Adapter from the link layer's receive metadata,
// because the physical radio already knows who handed it the bytes.
type Frame struct {
	Type           MessageType
	MeshID         uint32
	MessageID      uint32
	ConfirmID      uint32
	OriginalTarget HWID
	OriginalSender HWID
	SenderHWID     HWID
	Payload        []byte
}

// Encode serializes f to its wire representation. It returns an error if the
// payload exceeds MaxPayloadSize; every other field is fixed width and always
// valid.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("mesh: payload of %d bytes exceeds max %d", len(f.Payload), MaxPayloadSize)
	}
	buf := make([]byte, frameHeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.LittleEndian.PutUint32(buf[1:5], f.MeshID)
	binary.LittleEndian.PutUint32(buf[5:9], f.MessageID)
	binary.LittleEndian.PutUint32(buf[9:13], f.ConfirmID)
	copy(buf[13:13+HWIDSize], f.OriginalTarget[:])
	copy(buf[13+HWIDSize:13+2*HWIDSize], f.OriginalSender[:])
	buf[frameHeaderSize-1] = byte(len(f.Payload))
	copy(buf[frameHeaderSize:], f.Payload)
	return buf, nil
}

// DecodeFrame parses raw wire bytes into a Frame. sender is the hardware
// address the link layer reports the bytes arrived from; it is not part of
// the wire encoding and must be supplied by the caller (the Radio Adapter's
// receive callback).
func DecodeFrame(raw []byte, sender HWID) (*Frame, error) {
	if len(raw) < frameHeaderSize {
		return nil, fmt.Errorf("mesh: frame too short: %d bytes", len(raw))
	}
	payloadLen := int(raw[frameHeaderSize-1])
	if len(raw) != frameHeaderSize+payloadLen {
		return nil, fmt.Errorf("mesh: frame length %d does not match declared payload %d", len(raw), payloadLen)
	}
	f := &Frame{
		Type:      MessageType(raw[0]),
		MeshID:    binary.LittleEndian.Uint32(raw[1:5]),
		MessageID: binary.LittleEndian.Uint32(raw[5:9]),
		ConfirmID: binary.LittleEndian.Uint32(raw[9:13]),
	}
	copy(f.OriginalTarget[:], raw[13:13+HWIDSize])
	copy(f.OriginalSender[:], raw[13+HWIDSize:13+2*HWIDSize])
	f.SenderHWID = sender
	if payloadLen > 0 {
		f.Payload = append([]byte(nil), raw[frameHeaderSize:]...)
	}
	return f, nil
}

// WireSize returns the number of bytes Encode would produce for a payload of
// the given length.
func WireSize(payloadLen int) int {
	return frameHeaderSize + payloadLen
}
