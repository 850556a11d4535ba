package protocol

import (
	"encoding/binary"
	"fmt"
)

// InputRedundancy pairs a frame number with the action submitted for it.
// An InputPacket carries the current frame's action plus up to N prior
// frames as redundancy against packet loss (§3 "Input packet").
type InputRedundancy struct {
	Frame  uint32
	Action []byte // opaque, caller-defined action encoding
}

// InputPacket is the 0x01 wire message: frame, player, then a redundancy
// block of (frame, action) pairs, most recent first.
type InputPacket struct {
	Frame    uint32
	Player   uint8
	Backlog  []InputRedundancy
}

// EncodeInput serializes an InputPacket per §4.5.6:
// type(1) frame(4) player(1) count(1) N*(frame(4) action_len(2) action).
func EncodeInput(p InputPacket) []byte {
	buf := make([]byte, 0, 7+len(p.Backlog)*8)
	buf = append(buf, WireTypeInput)
	var frameBuf [4]byte
	binary.BigEndian.PutUint32(frameBuf[:], p.Frame)
	buf = append(buf, frameBuf[:]...)
	buf = append(buf, p.Player)
	if len(p.Backlog) > 255 {
		p.Backlog = p.Backlog[:255]
	}
	buf = append(buf, byte(len(p.Backlog)))
	for _, r := range p.Backlog {
		binary.BigEndian.PutUint32(frameBuf[:], r.Frame)
		buf = append(buf, frameBuf[:]...)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(r.Action)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, r.Action...)
	}
	return buf
}

// DecodeInput parses a 0x01 message produced by EncodeInput.
func DecodeInput(data []byte) (InputPacket, error) {
	if len(data) < 7 || data[0] != WireTypeInput {
		return InputPacket{}, fmt.Errorf("protocol: short or mistyped input packet (len=%d)", len(data))
	}
	p := InputPacket{
		Frame:  binary.BigEndian.Uint32(data[1:5]),
		Player: data[5],
	}
	count := int(data[6])
	off := 7
	for i := 0; i < count; i++ {
		if off+6 > len(data) {
			return InputPacket{}, fmt.Errorf("protocol: truncated input backlog entry %d", i)
		}
		frame := binary.BigEndian.Uint32(data[off : off+4])
		alen := int(binary.BigEndian.Uint16(data[off+4 : off+6]))
		off += 6
		if off+alen > len(data) {
			return InputPacket{}, fmt.Errorf("protocol: truncated input backlog action %d", i)
		}
		action := make([]byte, alen)
		copy(action, data[off:off+alen])
		off += alen
		p.Backlog = append(p.Backlog, InputRedundancy{Frame: frame, Action: action})
	}
	return p, nil
}

// EncodePing encodes a 0x05 message: an 8-byte millisecond timestamp.
func EncodePing(tsMillis int64) []byte {
	buf := make([]byte, 9)
	buf[0] = WireTypePing
	binary.BigEndian.PutUint64(buf[1:], uint64(tsMillis))
	return buf
}

// DecodePing extracts the timestamp from a 0x05 message.
func DecodePing(data []byte) (int64, error) {
	if len(data) != 9 || data[0] != WireTypePing {
		return 0, fmt.Errorf("protocol: malformed ping")
	}
	return int64(binary.BigEndian.Uint64(data[1:])), nil
}

// EncodePong echoes the ping timestamp back as a 0x06 message.
func EncodePong(tsMillis int64) []byte {
	buf := EncodePing(tsMillis)
	buf[0] = WireTypePong
	return buf
}

// DecodePong extracts the echoed timestamp from a 0x06 message.
func DecodePong(data []byte) (int64, error) {
	if len(data) != 9 || data[0] != WireTypePong {
		return 0, fmt.Errorf("protocol: malformed pong")
	}
	return int64(binary.BigEndian.Uint64(data[1:])), nil
}

// StateHash is a confirmed frame's 16-hex-char digest truncated to 8 raw
// bytes on the wire (§3 "State hash", §4.5.6 type 0x07).
type StateHash struct {
	Frame uint32
	Hash  [8]byte
}

// EncodeStateHash produces the 13-byte 0x07 message: type(1) frame(4) hash(8).
func EncodeStateHash(s StateHash) []byte {
	buf := make([]byte, 13)
	buf[0] = WireTypeStateHash
	binary.BigEndian.PutUint32(buf[1:5], s.Frame)
	copy(buf[5:], s.Hash[:])
	return buf
}

// DecodeStateHash parses a 0x07 message.
func DecodeStateHash(data []byte) (StateHash, error) {
	if len(data) != 13 || data[0] != WireTypeStateHash {
		return StateHash{}, fmt.Errorf("protocol: malformed state_hash (len=%d)", len(data))
	}
	var s StateHash
	s.Frame = binary.BigEndian.Uint32(data[1:5])
	copy(s.Hash[:], data[5:13])
	return s, nil
}

// EncodeEpisodeReady encodes a 0x08 message: an 8-byte signature agreed
// between peers once both have force-promoted up to synced_termination_frame.
func EncodeEpisodeReady(signature uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = WireTypeEpisodeReady
	binary.BigEndian.PutUint64(buf[1:], signature)
	return buf
}

// DecodeEpisodeReady extracts the signature from a 0x08 message.
func DecodeEpisodeReady(data []byte) (uint64, error) {
	if len(data) != 9 || data[0] != WireTypeEpisodeReady {
		return 0, fmt.Errorf("protocol: malformed episode_ready")
	}
	return binary.BigEndian.Uint64(data[1:]), nil
}
