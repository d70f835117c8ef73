package trace

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor enc mode: %v", err))
	}
	cborEncMode = em
}

// File is the persisted form of one channel trace.
type File struct {
	Channel string  `cbor:"1,keyasint"`
	Side    string  `cbor:"2,keyasint"`
	Events  []Event `cbor:"3,keyasint"`
}

func WriteCBOR(w io.Writer, f File) error {
	return cborEncMode.NewEncoder(w).Encode(f)
}

func ReadCBOR(r io.Reader) (File, error) {
	var f File
	if err := cbor.NewDecoder(r).Decode(&f); err != nil {
		return File{}, fmt.Errorf("trace: decode: %w", err)
	}
	return f, nil
}
