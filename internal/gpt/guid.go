package gpt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// EfiGuid is the UEFI on-disk GUID layout: Data1/Data2/Data3 are
// little-endian, Data4 is a plain byte sequence. See UEFI §5 Appendix A.
type EfiGuid struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// ParseGUID parses a canonical "XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX" GUID
// string into its mixed-endian on-disk form.
func ParseGUID(s string) (EfiGuid, error) {
	var (
		data1 uint32
		data2 uint16
		data3 uint16
		hi    uint8
		lo    uint8
		node  []byte
	)
	_, err := fmt.Sscanf(s, "%08x-%04x-%04x-%02x%02x-%012x",
		&data1, &data2, &data3, &hi, &lo, &node)
	if err != nil {
		return EfiGuid{}, fmt.Errorf("ParseGUID(%q): %v", s, err)
	}
	g := EfiGuid{Data1: data1, Data2: data2, Data3: data3}
	g.Data4[0] = hi
	g.Data4[1] = lo
	copy(g.Data4[2:], node)
	return g, nil
}

// MustParseGUID is ParseGUID for trusted, compile-time-constant GUID
// literals (well-known partition type GUIDs); it panics on malformed input.
func MustParseGUID(s string) EfiGuid {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

// newGuid generates a fresh random GUID via the UUID source, repacking its
// big-endian byte view into the GPT's mixed-endian EfiGuid layout.
func newGuid() EfiGuid {
	return guidFromUUID(uuid.New())
}

func guidFromUUID(u uuid.UUID) EfiGuid {
	var g EfiGuid
	g.Data1 = binary.BigEndian.Uint32(u[0:4])
	g.Data2 = binary.BigEndian.Uint16(u[4:6])
	g.Data3 = binary.BigEndian.Uint16(u[6:8])
	copy(g.Data4[:], u[8:16])
	return g
}
