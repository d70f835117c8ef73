package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Encoder writes big-endian primitives and Values to a buffered stream.
// Nothing reaches the underlying writer until Flush.
type Encoder struct {
	w       *bufio.Writer
	scratch [8]byte
}

func NewEncoder(w io.Writer) *Encoder {
	if bw, ok := w.(*bufio.Writer); ok {
		return &Encoder{w: bw}
	}
	return &Encoder{w: bufio.NewWriter(w)}
}

// Reset drops unflushed output and continues on w.
func (e *Encoder) Reset(w io.Writer) {
	e.w.Reset(w)
}

func (e *Encoder) Flush() error {
	return e.w.Flush()
}

func (e *Encoder) WriteByte(b byte) error {
	return e.w.WriteByte(b)
}

func (e *Encoder) WriteBool(v bool) error {
	if v {
		return e.w.WriteByte(1)
	}
	return e.w.WriteByte(0)
}

func (e *Encoder) WriteChar(v uint16) error {
	binary.BigEndian.PutUint16(e.scratch[:2], v)
	_, err := e.w.Write(e.scratch[:2])
	return err
}

func (e *Encoder) WriteShort(v int16) error {
	return e.WriteChar(uint16(v))
}

func (e *Encoder) WriteInt32(v int32) error {
	binary.BigEndian.PutUint32(e.scratch[:4], uint32(v))
	_, err := e.w.Write(e.scratch[:4])
	return err
}

func (e *Encoder) WriteDouble(v float64) error {
	binary.BigEndian.PutUint64(e.scratch[:8], math.Float64bits(v))
	_, err := e.w.Write(e.scratch[:8])
	return err
}

// WriteString writes an Int32 byte length followed by the UTF-8 bytes.
func (e *Encoder) WriteString(s string) error {
	if len(s) > math.MaxInt32 {
		return fmt.Errorf("%w: len=%d", ErrStringTooLarge, len(s))
	}
	if err := e.WriteInt32(int32(len(s))); err != nil {
		return err
	}
	_, err := e.w.WriteString(s)
	return err
}

// WriteBytes writes an Int32 length followed by the raw bytes.
func (e *Encoder) WriteBytes(b []byte) error {
	if len(b) > math.MaxInt32 {
		return fmt.Errorf("%w: len=%d", ErrStringTooLarge, len(b))
	}
	if err := e.WriteInt32(int32(len(b))); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

// WriteValue writes the tag byte and the tag's payload.
func (e *Encoder) WriteValue(v Value) error {
	if !v.typ.Valid() {
		return protocolErr("encode value", ErrUnknownValueType, "tag=%d", v.typ)
	}
	if err := e.w.WriteByte(byte(v.typ)); err != nil {
		return err
	}
	switch v.typ {
	case TypeNull, TypeUndefined:
		return nil
	case TypeBoolean:
		return e.WriteBool(v.num != 0)
	case TypeByte:
		return e.w.WriteByte(byte(v.num))
	case TypeChar, TypeShort:
		return e.WriteChar(uint16(v.num))
	case TypeInt:
		return e.WriteInt32(int32(uint32(v.num)))
	case TypeDouble:
		return e.WriteDouble(math.Float64frombits(v.num))
	case TypeString:
		return e.WriteString(v.str)
	default:
		if v.ref == nil {
			return protocolErr("encode value", ErrUnknownValueType, "%s without ref", v.typ)
		}
		return e.WriteInt32(WireHandle(v.ref))
	}
}

func (e *Encoder) writeValues(vs []Value) error {
	if err := e.WriteInt32(int32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := e.WriteValue(v); err != nil {
			return err
		}
	}
	return nil
}
