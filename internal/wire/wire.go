// Package wire encodes and decodes the paintboard binary protocol: a
// fixed 31-octet client-to-server paint frame, and a concatenated stream
// of variable-length server-to-client opcode records.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Opcodes, per the wire protocol.
const (
	OpBoardUpdate uint8 = 0xfa // server -> client: (x,y,r,g,b)
	OpPong        uint8 = 0xfb // client -> server: reserved, server never sends
	OpPing        uint8 = 0xfc // server -> client: no payload
	OpPaint       uint8 = 0xfe // client -> server: paint frame
	OpPaintResult uint8 = 0xff // server -> client: (paint_id, status)
)

// Paint-result status octets.
const (
	StatusSuccess        uint8 = 0xef
	StatusServerError    uint8 = 0xea
	StatusUnauthorized   uint8 = 0xeb
	StatusMalformed      uint8 = 0xec
	StatusTokenInvalid   uint8 = 0xed
	StatusCooldown       uint8 = 0xee
)

// PaintFrameSize is the exact encoded size of a client paint frame.
const PaintFrameSize = 31

// PaintFrame is the client-origin 31-octet record.
type PaintFrame struct {
	X       uint16
	Y       uint16
	R, G, B byte
	UID     uint32 // only the low 24 bits are ever meaningful
	Token   [16]byte
	PaintID uint32
}

// EncodePaintFrame writes the 31-octet wire encoding of f into a freshly
// allocated slice owned by the caller, so it is safe to queue as is;
// EncodeInto below writes into a caller-supplied buffer instead.
func EncodePaintFrame(f PaintFrame) []byte {
	buf := make([]byte, PaintFrameSize)
	EncodeInto(buf, f)
	return buf
}

// EncodeInto writes the 31-octet wire encoding of f into buf, which must
// be at least PaintFrameSize bytes long.
func EncodeInto(buf []byte, f PaintFrame) {
	_ = buf[:PaintFrameSize] // bounds check hint
	buf[0] = OpPaint
	binary.LittleEndian.PutUint16(buf[1:3], f.X)
	binary.LittleEndian.PutUint16(buf[3:5], f.Y)
	buf[5] = f.R
	buf[6] = f.G
	buf[7] = f.B
	buf[8] = byte(f.UID)
	buf[9] = byte(f.UID >> 8)
	buf[10] = byte(f.UID >> 16)
	copy(buf[11:27], f.Token[:])
	binary.LittleEndian.PutUint32(buf[27:31], f.PaintID)
}

// DecodePaintFrame parses exactly PaintFrameSize bytes into a PaintFrame.
// Used by tests to round-trip encoded frames; the production client never
// needs to decode its own outbound frames.
func DecodePaintFrame(buf []byte) (PaintFrame, error) {
	if len(buf) != PaintFrameSize {
		return PaintFrame{}, fmt.Errorf("paint frame must be %d bytes, got %d", PaintFrameSize, len(buf))
	}
	if buf[0] != OpPaint {
		return PaintFrame{}, fmt.Errorf("expected opcode 0x%02x, got 0x%02x", OpPaint, buf[0])
	}
	var f PaintFrame
	f.X = binary.LittleEndian.Uint16(buf[1:3])
	f.Y = binary.LittleEndian.Uint16(buf[3:5])
	f.R, f.G, f.B = buf[5], buf[6], buf[7]
	f.UID = uint32(buf[8]) | uint32(buf[9])<<8 | uint32(buf[10])<<16
	copy(f.Token[:], buf[11:27])
	f.PaintID = binary.LittleEndian.Uint32(buf[27:31])
	return f, nil
}

// BoardUpdate is the decoded 0xfa record.
type BoardUpdate struct {
	X, Y    uint16
	R, G, B byte
}

// PaintResult is the decoded 0xff record.
type PaintResult struct {
	PaintID uint32
	Status  uint8
}

// Record is one decoded server->client record. Opcode identifies which
// field is populated.
type Record struct {
	Opcode uint8
	Board  BoardUpdate
	Result PaintResult
}

// recordSize returns the total encoded size (opcode + payload) for the
// given opcode, or 0 if the opcode is not a recognized fixed-size record.
func recordSize(opcode uint8) int {
	switch opcode {
	case OpBoardUpdate:
		return 1 + 2 + 2 + 1 + 1 + 1
	case OpPing:
		return 1
	case OpPaintResult:
		return 1 + 4 + 1
	default:
		return 0
	}
}

// DecodeRecords parses a concatenated stream of opcode records from a
// single received message. It tolerates several records packed into one
// message and stops cleanly if a trailing opcode has insufficient bytes,
// discarding only the trailing fragment (returned as discarded).
func DecodeRecords(data []byte) (records []Record, discarded int) {
	i := 0
	for i < len(data) {
		opcode := data[i]
		size := recordSize(opcode)
		if size == 0 {
			// Unknown opcode: nothing safe to skip past, so the rest of
			// the message is discarded.
			return records, len(data) - i
		}
		if i+size > len(data) {
			return records, len(data) - i
		}

		rec := Record{Opcode: opcode}
		switch opcode {
		case OpBoardUpdate:
			rec.Board = BoardUpdate{
				X: binary.LittleEndian.Uint16(data[i+1 : i+3]),
				Y: binary.LittleEndian.Uint16(data[i+3 : i+5]),
				R: data[i+5],
				G: data[i+6],
				B: data[i+7],
			}
		case OpPaintResult:
			rec.Result = PaintResult{
				PaintID: binary.LittleEndian.Uint32(data[i+1 : i+5]),
				Status:  data[i+5],
			}
		case OpPing:
			// no payload
		}

		records = append(records, rec)
		i += size
	}
	return records, 0
}
