package cipdriver

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/iceisfun/goeip/pkg/cip"

	"github.com/orionK-max/cip-poller/internal/domain"
)

// arrayToken matches the planner's full-array request shape "BASE{N}".
var arrayToken = regexp.MustCompile(`^(.+)\{(\d+)\}$`)

func parseArrayToken(token string) (base string, n int, isArray bool) {
	m := arrayToken.FindStringSubmatch(token)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

// decodedElements is a decoded CIP array response, in wire order.
type decodedElements []domain.Value

func (d decodedElements) scalarOrFirst() domain.Value {
	if len(d) == 0 {
		return domain.Null
	}
	return d[0]
}

// decodeTagValue decodes a single-element Read Tag response: a 2-byte CIP
// data type code followed by the element's encoded value.
func decodeTagValue(data []byte) (domain.Value, string, error) {
	elems, err := decodeTagElements(data, 1)
	if err != nil {
		return domain.Null, "", err
	}
	typeName, _ := typeNameFromHeader(data)
	return elems.scalarOrFirst(), typeName, nil
}

func typeNameFromHeader(data []byte) (string, error) {
	if len(data) < 2 {
		return "", fmt.Errorf("response too short to contain type code")
	}
	t := cip.DataType(binary.LittleEndian.Uint16(data[0:2]))
	return t.String(), nil
}

// decodeTagElements decodes a Read Tag response body (2-byte type header
// plus n fixed-width elements) into domain.Values, sanitizing non-finite
// floats per spec §4.3 "Sanitizer".
func decodeTagElements(data []byte, n int) (decodedElements, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("response too short to contain type code")
	}
	t := cip.DataType(binary.LittleEndian.Uint16(data[0:2])).Base()
	body := data[2:]

	size, decode, err := elementCodec(t)
	if err != nil {
		return nil, err
	}

	out := make(decodedElements, 0, n)
	for i := 0; i < n; i++ {
		off := i * size
		if off+size > len(body) {
			// Short reply: remaining requested elements are treated as
			// absent by the Poll Group Runner (spec §4.3 step 6, "if
			// i < len(array) else null"), not as a decode error.
			break
		}
		out = append(out, domain.Sanitize(decode(body[off:off+size])))
	}
	return out, nil
}

// elementCodec returns the wire width and decoder for one CIP element of
// type t.
func elementCodec(t cip.DataType) (int, func([]byte) domain.Value, error) {
	switch t {
	case cip.TypeBOOL, cip.TypeSINT, cip.TypeUSINT, cip.TypeBYTE:
		return 1, func(b []byte) domain.Value { return domain.NewInt(int64(b[0])) }, nil
	case cip.TypeINT, cip.TypeUINT, cip.TypeWORD:
		return 2, func(b []byte) domain.Value {
			return domain.NewInt(int64(binary.LittleEndian.Uint16(b)))
		}, nil
	case cip.TypeDINT, cip.TypeUDINT, cip.TypeDWORD:
		return 4, func(b []byte) domain.Value {
			return domain.NewInt(int64(int32(binary.LittleEndian.Uint32(b))))
		}, nil
	case cip.TypeLINT, cip.TypeULINT, cip.TypeLWORD:
		return 8, func(b []byte) domain.Value {
			return domain.NewInt(int64(binary.LittleEndian.Uint64(b)))
		}, nil
	case cip.TypeREAL:
		return 4, func(b []byte) domain.Value {
			bits := binary.LittleEndian.Uint32(b)
			return domain.NewFloat(float64(math.Float32frombits(bits)))
		}, nil
	case cip.TypeLREAL:
		return 8, func(b []byte) domain.Value {
			bits := binary.LittleEndian.Uint64(b)
			return domain.NewFloat(math.Float64frombits(bits))
		}, nil
	default:
		return 0, nil, fmt.Errorf("cipdriver: unsupported element type 0x%04X", uint16(t))
	}
}

// encodeTagValue builds a Write Tag request body (2-byte type code + data)
// for a scalar write_tag RPC.
func encodeTagValue(v domain.Value) ([]byte, error) {
	switch v.Kind {
	case domain.KindInt:
		buf := make([]byte, 6)
		binary.LittleEndian.PutUint16(buf[0:2], uint16(cip.TypeDINT))
		binary.LittleEndian.PutUint32(buf[2:6], uint32(int32(v.I)))
		return buf, nil
	case domain.KindFloat:
		buf := make([]byte, 6)
		binary.LittleEndian.PutUint16(buf[0:2], uint16(cip.TypeREAL))
		binary.LittleEndian.PutUint32(buf[2:6], math.Float32bits(float32(v.F)))
		return buf, nil
	case domain.KindBool:
		buf := make([]byte, 3)
		binary.LittleEndian.PutUint16(buf[0:2], uint16(cip.TypeBOOL))
		if v.B {
			buf[2] = 0xFF
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("cipdriver: unsupported write value kind %v", v.Kind)
	}
}
