package msgnet

import (
	"encoding/binary"
	"fmt"
	"math"
	"weak"

	"github.com/pkg/errors"
)

// Errors raised when a message body is misused.
// Append and Extract deliver them through panic; Send returns ErrBodyTooLarge.
var (
	// ErrNotFixedSize is raised when a value without a fixed binary layout is appended or extracted.
	ErrNotFixedSize = errors.New("value has no fixed binary size")
	// ErrShortBody is raised when more bytes are extracted than remain in the body.
	ErrShortBody = errors.New("message body too short")
	// ErrBodyTooLarge is raised when a body no longer fits the 32-bit size field.
	ErrBodyTooLarge = errors.New("message body too large for header")
)

// maxBodySize is the largest body Header.Size can describe.
const maxBodySize = math.MaxUint32

// Kind is the application-defined message tag carried in every header.
// Any fixed-width integer type (typically a named uint32 enumeration) qualifies.
type Kind interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

// Header is sent at the start of every message.
type Header[T Kind] struct {
	ID   T
	Size uint32
}

// Message is a header plus a raw body.
//
// The body behaves like a stack: Append writes at the end, Extract reads
// from the end. Values must therefore be extracted in the reverse order
// they were appended. Header.Size always equals len(Body) after either call.
type Message[T Kind] struct {
	Header Header[T]
	Body   []byte
}

// NewMessage returns an empty message tagged with id.
func NewMessage[T Kind](id T) *Message[T] {
	return &Message[T]{Header: Header[T]{ID: id}}
}

// Len returns the body length in bytes.
func (m *Message[T]) Len() int {
	return len(m.Body)
}

// Append pushes the raw bytes of v onto the end of the body.
// v must have a fixed binary size (fixed-width numbers, bools, arrays and
// structs of those); anything else panics, as does growing the body past
// what Header.Size can hold. Bytes are written in native order.
func (m *Message[T]) Append(v any) *Message[T] {
	n := binary.Size(v)
	if n < 0 {
		panic(errors.Wrapf(ErrNotFixedSize, "append %T", v))
	}
	size, err := bodySize(len(m.Body) + n)
	if err != nil {
		panic(errors.Wrapf(err, "append %T", v))
	}

	body, err := binary.Append(m.Body, binary.NativeEndian, v)
	if err != nil {
		panic(errors.Wrapf(err, "append %T", v))
	}

	m.Body = body
	m.Header.Size = size
	return m
}

// Extract pops the last binary.Size(v) bytes of the body into v, which must
// be a pointer to a fixed-size value. Extracting more than the body holds panics.
func (m *Message[T]) Extract(v any) *Message[T] {
	n := binary.Size(v)
	if n < 0 {
		panic(errors.Wrapf(ErrNotFixedSize, "extract %T", v))
	}
	if n > len(m.Body) {
		panic(errors.Wrapf(ErrShortBody, "extract %T: need %d bytes, have %d", v, n, len(m.Body)))
	}

	i := len(m.Body) - n
	size, err := bodySize(i)
	if err != nil {
		panic(errors.Wrapf(err, "extract %T", v))
	}
	if _, err = binary.Decode(m.Body[i:], binary.NativeEndian, v); err != nil {
		panic(errors.Wrapf(err, "extract %T", v))
	}

	m.Body = m.Body[:i]
	m.Header.Size = size
	return m
}

// String implements fmt.Stringer.
func (m Message[T]) String() string {
	return fmt.Sprintf("ID: %d Size: %d", m.Header.ID, m.Header.Size)
}

// clone deep-copies the body so the queued copy is independent of the caller's.
func (m *Message[T]) clone() (Message[T], error) {
	size, err := bodySize(len(m.Body))
	if err != nil {
		return Message[T]{}, err
	}

	c := Message[T]{Header: m.Header}
	if len(m.Body) > 0 {
		c.Body = append([]byte(nil), m.Body...)
	}
	c.Header.Size = size
	return c, nil
}

// bodySize converts a body length to its header size field.
func bodySize(n int) (uint32, error) {
	if n < 0 || uint64(n) > maxBodySize {
		return 0, errors.Wrapf(ErrBodyTooLarge, "%d bytes", n)
	}
	return uint32(n), nil
}

// OwnedMessage is a received message tagged with the connection it came from.
// The origin is held weakly; client-side messages carry no origin.
type OwnedMessage[T Kind] struct {
	remote weak.Pointer[Connection[T]]
	Msg    Message[T]
}

// Remote returns the originating connection, or nil on the client side or
// once the connection has been collected.
func (o OwnedMessage[T]) Remote() *Connection[T] {
	return o.remote.Value()
}

func newOwnedMessage[T Kind](remote *Connection[T], msg Message[T]) OwnedMessage[T] {
	o := OwnedMessage[T]{Msg: msg}
	if remote != nil {
		o.remote = weak.Make(remote)
	}
	return o
}

// headerLayout mirrors the in-memory layout of a {id; uint32 size} struct:
// size is aligned to 4 bytes and the whole header to the wider of its fields.
func headerLayout[T Kind]() (idSize, sizeOffset, total int) {
	var zero T
	idSize = binary.Size(zero)
	align := max(idSize, 4)
	sizeOffset = roundUp(idSize, 4)
	total = roundUp(sizeOffset+4, align)
	return
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}

// HeaderSize returns the number of bytes a header occupies on the wire.
func HeaderSize[T Kind]() int {
	_, _, total := headerLayout[T]()
	return total
}

func encodeHeader[T Kind](h Header[T]) []byte {
	idSize, sizeOffset, total := headerLayout[T]()
	buf := make([]byte, total)

	switch idSize {
	case 1:
		buf[0] = uint8(h.ID)
	case 2:
		binary.NativeEndian.PutUint16(buf, uint16(h.ID))
	case 4:
		binary.NativeEndian.PutUint32(buf, uint32(h.ID))
	case 8:
		binary.NativeEndian.PutUint64(buf, uint64(h.ID))
	}
	binary.NativeEndian.PutUint32(buf[sizeOffset:], h.Size)

	return buf
}

func decodeHeader[T Kind](buf []byte) Header[T] {
	idSize, sizeOffset, _ := headerLayout[T]()

	var h Header[T]
	switch idSize {
	case 1:
		h.ID = T(buf[0])
	case 2:
		h.ID = T(binary.NativeEndian.Uint16(buf))
	case 4:
		h.ID = T(binary.NativeEndian.Uint32(buf))
	case 8:
		h.ID = T(binary.NativeEndian.Uint64(buf))
	}
	h.Size = binary.NativeEndian.Uint32(buf[sizeOffset:])

	return h
}
