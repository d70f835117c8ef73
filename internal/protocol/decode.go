package protocol

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
)

// Limits bounds what a decoder allocates on behalf of a peer. Zero fields
// disable the corresponding check.
type Limits struct {
	MaxStringBytes int32
	MaxElements    int32
}

func DefaultLimits() Limits {
	return Limits{
		MaxStringBytes: 64 * 1024 * 1024,
		MaxElements:    1 << 20,
	}
}

// Decoder reads big-endian primitives and Values from a buffered stream.
// I/O errors are returned as is; malformed input yields *Error.
type Decoder struct {
	r       *bufio.Reader
	refs    RefFactory
	limits  Limits
	scratch [8]byte
}

func NewDecoder(r io.Reader, refs RefFactory, limits Limits) *Decoder {
	if refs == nil {
		refs = PlainRefs{}
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br, refs: refs, limits: limits}
}

// Reset discards buffered input and continues on r. Refs and limits are
// kept, so holders of d keep a valid decoder across a transport switch.
func (d *Decoder) Reset(r io.Reader) {
	d.r.Reset(r)
}

// Buffered reports bytes already read from the stream but not consumed.
func (d *Decoder) Buffered() int {
	return d.r.Buffered()
}

func (d *Decoder) ReadByte() (byte, error) {
	return d.r.ReadByte()
}

func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.readByte()
	return b != 0, err
}

func (d *Decoder) ReadChar() (uint16, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:2]); err != nil {
		return 0, unexpectedEOF(err)
	}
	return binary.BigEndian.Uint16(d.scratch[:2]), nil
}

func (d *Decoder) ReadShort() (int16, error) {
	v, err := d.ReadChar()
	return int16(v), err
}

func (d *Decoder) ReadInt32() (int32, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:4]); err != nil {
		return 0, unexpectedEOF(err)
	}
	return int32(binary.BigEndian.Uint32(d.scratch[:4])), nil
}

func (d *Decoder) ReadDouble() (float64, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:8]); err != nil {
		return 0, unexpectedEOF(err)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(d.scratch[:8])), nil
}

func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads an Int32 length followed by that many raw bytes. A zero
// length yields nil.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, protocolErr("read string", ErrNegativeLength, "len=%d", n)
	}
	if d.limits.MaxStringBytes > 0 && n > d.limits.MaxStringBytes {
		return nil, protocolErr("read string", ErrStringTooLarge, "len=%d max=%d", n, d.limits.MaxStringBytes)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, unexpectedEOF(err)
	}
	return buf, nil
}

// ReadMessageType reads the tag of the next message. A clean end of stream
// before the tag is reported as io.EOF.
func (d *Decoder) ReadMessageType() (MessageType, error) {
	b, err := d.ReadByte()
	if err != nil {
		return 0, err
	}
	t := MessageType(b)
	if !t.Valid() {
		return t, protocolErr("read message type", ErrUnknownMessageType, "tag=%d", b)
	}
	return t, nil
}

func (d *Decoder) ReadValue() (Value, error) {
	tag, err := d.readByte()
	if err != nil {
		return Value{}, err
	}
	switch t := ValueType(tag); t {
	case TypeNull:
		return Null(), nil
	case TypeUndefined:
		return Undefined(), nil
	case TypeBoolean:
		v, err := d.ReadBool()
		return Bool(v), err
	case TypeByte:
		v, err := d.readByte()
		return Byte(int8(v)), err
	case TypeChar:
		v, err := d.ReadChar()
		return Char(v), err
	case TypeShort:
		v, err := d.ReadShort()
		return Short(v), err
	case TypeInt:
		v, err := d.ReadInt32()
		return Int(v), err
	case TypeDouble:
		v, err := d.ReadDouble()
		return Double(v), err
	case TypeString:
		v, err := d.ReadString()
		return String(v), err
	case TypeServerObject:
		h, err := d.readHandle()
		if err != nil {
			return Value{}, err
		}
		return ServerObject(d.refs.ServerObjectRef(h)), nil
	case TypeScriptObject:
		h, err := d.readHandle()
		if err != nil {
			return Value{}, err
		}
		return ScriptObject(d.refs.ScriptObjectRef(h)), nil
	default:
		return Value{}, protocolErr("read value", ErrUnknownValueType, "tag=%d", tag)
	}
}

// readHandle rejects MinInt32, whose exception-bit negation has no
// positive index.
func (d *Decoder) readHandle() (int32, error) {
	h, err := d.ReadInt32()
	if err != nil {
		return 0, err
	}
	if h == math.MinInt32 {
		return 0, protocolErr("read value", ErrInvalidHandle, "handle=%d", h)
	}
	return h, nil
}

func (d *Decoder) readCount(op string) (int, error) {
	n, err := d.ReadInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, protocolErr(op, ErrNegativeLength, "count=%d", n)
	}
	if d.limits.MaxElements > 0 && n > d.limits.MaxElements {
		return 0, protocolErr(op, ErrTooManyElements, "count=%d max=%d", n, d.limits.MaxElements)
	}
	return int(n), nil
}

func (d *Decoder) readValues() ([]Value, error) {
	n, err := d.readCount("read args")
	if err != nil {
		return nil, err
	}
	vs := make([]Value, n)
	for i := range vs {
		if vs[i], err = d.ReadValue(); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

// readByte is ReadByte for reads inside a message, where EOF is truncation.
func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	return b, unexpectedEOF(err)
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
