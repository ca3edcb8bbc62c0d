// Package protocol implements the framed packet format spoken with the
// motion-control board: a start byte, a length byte, the payload and a
// trailing CRC-8 over the payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sigurn/crc8"
)

const (
	START_BYTE = 0xD5

	// The wire format allows payloads up to 255 bytes; firmware buffers
	// are far smaller in practice.
	MAX_PAYLOAD = 255
)

// Response codes reported in the first payload byte of a reply.
type ResponseCode byte

const (
	RC_GENERIC_ERROR   ResponseCode = 0x80
	RC_OK              ResponseCode = 0x81
	RC_BUFFER_OVERFLOW ResponseCode = 0x82
	RC_CRC_MISMATCH    ResponseCode = 0x83
	RC_QUERY_OVERFLOW  ResponseCode = 0x84
	RC_UNSUPPORTED     ResponseCode = 0x85
)

var (
	ErrCRCMismatch    = errors.New("protocol: packet failed CRC check")
	ErrEmptyPacket    = errors.New("protocol: packet carries no response code")
	ErrPayloadTooLong = errors.New("protocol: payload exceeds 255 bytes")
)

// CRC-8/MAXIM, the iButton polynomial (0x31, reflected 0x8C), seed 0.
var crcTable = crc8.MakeTable(crc8.CRC8_MAXIM)

// Checksum computes the packet CRC over a payload.
func Checksum(payload []byte) byte {
	return crc8.Checksum(payload, crcTable)
}

// Encode frames a payload for transmission.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MAX_PAYLOAD {
		return nil, ErrPayloadTooLong
	}
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, START_BYTE, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, Checksum(payload))
	return frame, nil
}

type decoderState int

const (
	AWAIT_START decoderState = iota
	AWAIT_LENGTH
	IN_PAYLOAD
	AWAIT_CRC
)

// Decoder is a byte-at-a-time state machine that frames inbound packets.
// Feed it single bytes until it reports completion, then pick up the
// result. The zero value is ready to use and the decoder resets itself
// after every framed packet, good or bad.
type Decoder struct {
	state     decoderState
	remaining int
	payload   []byte
	response  *Response
	err       error
}

// Feed consumes exactly one byte and returns true once a complete packet
// has been framed.
func (d *Decoder) Feed(b byte) bool {
	switch d.state {
	case AWAIT_START:
		if b == START_BYTE {
			d.response = nil
			d.err = nil
			d.state = AWAIT_LENGTH
		}
	case AWAIT_LENGTH:
		d.remaining = int(b)
		d.payload = make([]byte, 0, d.remaining)
		if d.remaining == 0 {
			d.state = AWAIT_CRC
		} else {
			d.state = IN_PAYLOAD
		}
	case IN_PAYLOAD:
		d.payload = append(d.payload, b)
		d.remaining--
		if d.remaining == 0 {
			d.state = AWAIT_CRC
		}
	case AWAIT_CRC:
		switch {
		case b != Checksum(d.payload):
			d.err = ErrCRCMismatch
		case len(d.payload) == 0:
			d.err = ErrEmptyPacket
		default:
			d.response = &Response{
				Code: ResponseCode(d.payload[0]),
				data: d.payload[1:],
			}
		}
		d.state = AWAIT_START
		return true
	}
	return false
}

// Result returns the outcome of the last framed packet.
func (d *Decoder) Result() (*Response, error) {
	return d.response, d.err
}

// Response is a decoded reply. The getters read little-endian fields off
// the payload in order, advancing an internal cursor. Reading past the
// end yields zero.
type Response struct {
	Code   ResponseCode
	data   []byte
	cursor int
}

// Payload returns the data bytes following the response code.
func (r *Response) Payload() []byte {
	return r.data
}

func (r *Response) take(n int) []byte {
	if r.cursor+n > len(r.data) {
		return nil
	}
	field := r.data[r.cursor : r.cursor+n]
	r.cursor += n
	return field
}

func (r *Response) Uint8() uint8 {
	field := r.take(1)
	if field == nil {
		return 0
	}
	return field[0]
}

func (r *Response) Int8() int8 {
	return int8(r.Uint8())
}

func (r *Response) Uint16() uint16 {
	field := r.take(2)
	if field == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(field)
}

func (r *Response) Int16() int16 {
	return int16(r.Uint16())
}

func (r *Response) Uint32() uint32 {
	field := r.take(4)
	if field == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(field)
}

func (r *Response) Int32() int32 {
	return int32(r.Uint32())
}

func (r *Response) String() string {
	return fmt.Sprintf("Response{code=0x%02X, data=% X}", byte(r.Code), r.data)
}

// Builder assembles request payloads, all multi-byte fields
// little-endian.
type Builder struct {
	data []byte
}

// NewBuilder starts a master request payload.
func NewBuilder(cmd MasterCommand) *Builder {
	return &Builder{data: []byte{byte(cmd)}}
}

func (b *Builder) U8(v uint8) {
	b.data = append(b.data, v)
}

func (b *Builder) I8(v int8) {
	b.U8(uint8(v))
}

func (b *Builder) U16(v uint16) {
	b.data = binary.LittleEndian.AppendUint16(b.data, v)
}

func (b *Builder) I16(v int16) {
	b.U16(uint16(v))
}

func (b *Builder) U32(v uint32) {
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
}

func (b *Builder) I32(v int32) {
	b.U32(uint32(v))
}

func (b *Builder) Bytes(p []byte) {
	b.data = append(b.data, p...)
}

// Payload returns the assembled request payload.
func (b *Builder) Payload() []byte {
	return b.data
}
