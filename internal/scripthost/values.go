package scripthost

import (
	"fmt"
	"math"
	"strconv"

	"github.com/danmuck/devchannel/internal/protocol"
)

// wireValue is one tagged value as the prelude encodes it.
type wireValue struct {
	T string `json:"t"`
	B bool   `json:"b,omitempty"`
	N int64  `json:"n,omitempty"`
	S string `json:"s,omitempty"`
}

type callPayload struct {
	This wireValue   `json:"this"`
	Args []wireValue `json:"args"`
}

type outcome struct {
	X bool      `json:"x"`
	V wireValue `json:"v"`
	M string    `json:"m,omitempty"`
}

func (h *Host) toWire(v protocol.Value) (wireValue, error) {
	switch v.Type() {
	case protocol.TypeNull:
		return wireValue{T: "n"}, nil
	case protocol.TypeUndefined:
		return wireValue{T: "u"}, nil
	case protocol.TypeBoolean:
		b, _ := v.AsBool()
		return wireValue{T: "b", B: b}, nil
	case protocol.TypeByte, protocol.TypeChar, protocol.TypeShort, protocol.TypeInt:
		n, _ := v.Int64()
		return wireValue{T: "i", N: n}, nil
	case protocol.TypeDouble:
		f, _ := v.AsDouble()
		return wireValue{T: "d", S: formatDouble(f)}, nil
	case protocol.TypeString:
		s, _ := v.AsString()
		return wireValue{T: "s", S: s}, nil
	case protocol.TypeServerObject:
		ref, _ := v.AsRef()
		h.pin(ref.ID())
		return wireValue{T: "o", N: int64(ref.ID())}, nil
	case protocol.TypeScriptObject:
		ref, _ := v.AsRef()
		return wireValue{T: "j", N: int64(ref.ID())}, nil
	default:
		return wireValue{}, fmt.Errorf("%w: %s", ErrUnsupportedValue, v.Type())
	}
}

func (h *Host) fromWire(w wireValue) (protocol.Value, error) {
	switch w.T {
	case "u":
		return protocol.Undefined(), nil
	case "n":
		return protocol.Null(), nil
	case "b":
		return protocol.Bool(w.B), nil
	case "i":
		if w.N < math.MinInt32 || w.N > math.MaxInt32 {
			return protocol.Double(float64(w.N)), nil
		}
		return protocol.Int(int32(w.N)), nil
	case "d":
		f, err := strconv.ParseFloat(w.S, 64)
		if err != nil {
			return protocol.Value{}, fmt.Errorf("%w: double %q", ErrUnsupportedValue, w.S)
		}
		return protocol.Double(f), nil
	case "s":
		return protocol.String(w.S), nil
	case "o":
		v, ok := h.serverRefs[int32(w.N)]
		if !ok {
			return protocol.Value{}, fmt.Errorf("%w: server object %d", ErrUnknownRef, w.N)
		}
		return v, nil
	case "j":
		return protocol.ScriptObject(protocol.NewHandle(int32(w.N))), nil
	default:
		return protocol.Value{}, fmt.Errorf("%w: tag %q", ErrUnsupportedValue, w.T)
	}
}

func (h *Host) toWireAll(vs []protocol.Value) ([]wireValue, error) {
	out := make([]wireValue, 0, len(vs))
	for _, v := range vs {
		w, err := h.toWire(v)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (h *Host) fromWireAll(ws []wireValue) ([]protocol.Value, error) {
	out := make([]protocol.Value, 0, len(ws))
	for _, w := range ws {
		v, err := h.fromWire(w)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// formatDouble spells non-finite values the way Number() parses them.
func formatDouble(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case math.IsNaN(f):
		return "NaN"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
