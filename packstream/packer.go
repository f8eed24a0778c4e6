// Package packstream implements the Bolt value codec: a compact binary
// encoding of nil, booleans, integers, floats, strings, byte arrays, lists,
// maps and tagged structures. Messages are single top-level structures.
package packstream

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	markerNull    = 0xC0
	markerFloat   = 0xC1
	markerFalse   = 0xC2
	markerTrue    = 0xC3
	markerInt8    = 0xC8
	markerInt16   = 0xC9
	markerInt32   = 0xCA
	markerInt64   = 0xCB
	markerBytes8  = 0xCC
	markerBytes16 = 0xCD
	markerBytes32 = 0xCE
	markerTinyStr = 0x80
	markerStr8    = 0xD0
	markerStr16   = 0xD1
	markerStr32   = 0xD2
	markerTinyLst = 0x90
	markerLst8    = 0xD4
	markerLst16   = 0xD5
	markerLst32   = 0xD6
	markerTinyMap = 0xA0
	markerMap8    = 0xD8
	markerMap16   = 0xD9
	markerMap32   = 0xDA
	markerTinyStc = 0xB0
)

// Structure is a tagged value, used both for protocol messages and for
// opaque server-side entities carried inside records.
type Structure struct {
	Tag    byte
	Fields []any
}

// Packer appends packstream encodings to an internal buffer. The first
// encountered error is sticky and reported by Bytes.
type Packer struct {
	buf []byte
	err error
}

func (p *Packer) Reset() {
	p.buf = p.buf[:0]
	p.err = nil
}

// Bytes returns the accumulated encoding, or the first packing error.
func (p *Packer) Bytes() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.buf, nil
}

// PackStruct appends one tagged structure with the given fields.
func (p *Packer) PackStruct(tag byte, fields ...any) {
	if len(fields) > 0x0F {
		p.setErr(fmt.Errorf("structure of %d fields exceeds the tiny-struct limit", len(fields)))
		return
	}
	p.buf = append(p.buf, markerTinyStc|byte(len(fields)), tag)
	for _, f := range fields {
		p.pack(f)
	}
}

func (p *Packer) setErr(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *Packer) pack(v any) {
	switch x := v.(type) {
	case nil:
		p.buf = append(p.buf, markerNull)
	case bool:
		if x {
			p.buf = append(p.buf, markerTrue)
		} else {
			p.buf = append(p.buf, markerFalse)
		}
	case int:
		p.packInt(int64(x))
	case int8:
		p.packInt(int64(x))
	case int16:
		p.packInt(int64(x))
	case int32:
		p.packInt(int64(x))
	case int64:
		p.packInt(x)
	case uint8:
		p.packInt(int64(x))
	case uint16:
		p.packInt(int64(x))
	case uint32:
		p.packInt(int64(x))
	case uint64:
		if x > math.MaxInt64 {
			p.setErr(fmt.Errorf("uint64 value %d overflows the integer range", x))
			return
		}
		p.packInt(int64(x))
	case float32:
		p.packFloat(float64(x))
	case float64:
		p.packFloat(x)
	case string:
		p.packString(x)
	case []byte:
		p.packBytes(x)
	case []string:
		p.packLength(markerTinyLst, markerLst8, len(x))
		for _, e := range x {
			p.packString(e)
		}
	case []any:
		p.packLength(markerTinyLst, markerLst8, len(x))
		for _, e := range x {
			p.pack(e)
		}
	case map[string]any:
		p.packLength(markerTinyMap, markerMap8, len(x))
		for k, e := range x {
			p.packString(k)
			p.pack(e)
		}
	case map[string]string:
		p.packLength(markerTinyMap, markerMap8, len(x))
		for k, e := range x {
			p.packString(k)
			p.packString(e)
		}
	case *Structure:
		p.PackStruct(x.Tag, x.Fields...)
	default:
		p.setErr(fmt.Errorf("cannot pack value of type %T", v))
	}
}

func (p *Packer) packInt(v int64) {
	switch {
	case v >= -16 && v <= 127:
		p.buf = append(p.buf, byte(v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		p.buf = append(p.buf, markerInt8, byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		p.buf = append(p.buf, markerInt16)
		p.buf = binary.BigEndian.AppendUint16(p.buf, uint16(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		p.buf = append(p.buf, markerInt32)
		p.buf = binary.BigEndian.AppendUint32(p.buf, uint32(v))
	default:
		p.buf = append(p.buf, markerInt64)
		p.buf = binary.BigEndian.AppendUint64(p.buf, uint64(v))
	}
}

func (p *Packer) packFloat(v float64) {
	p.buf = append(p.buf, markerFloat)
	p.buf = binary.BigEndian.AppendUint64(p.buf, math.Float64bits(v))
}

func (p *Packer) packString(s string) {
	p.packLength(markerTinyStr, markerStr8, len(s))
	p.buf = append(p.buf, s...)
}

func (p *Packer) packBytes(b []byte) {
	switch l := len(b); {
	case l <= math.MaxUint8:
		p.buf = append(p.buf, markerBytes8, byte(l))
	case l <= math.MaxUint16:
		p.buf = append(p.buf, markerBytes16)
		p.buf = binary.BigEndian.AppendUint16(p.buf, uint16(l))
	default:
		p.buf = append(p.buf, markerBytes32)
		p.buf = binary.BigEndian.AppendUint32(p.buf, uint32(l))
	}
	p.buf = append(p.buf, b...)
}

// packLength writes the marker for a string, list or map of length |l|.
// The 8/16/32 bit wide markers are consecutive for each kind.
func (p *Packer) packLength(tiny, wide byte, l int) {
	switch {
	case l < 0x10:
		p.buf = append(p.buf, tiny|byte(l))
	case l <= math.MaxUint8:
		p.buf = append(p.buf, wide, byte(l))
	case l <= math.MaxUint16:
		p.buf = append(p.buf, wide+1)
		p.buf = binary.BigEndian.AppendUint16(p.buf, uint16(l))
	default:
		p.buf = append(p.buf, wide+2)
		p.buf = binary.BigEndian.AppendUint32(p.buf, uint32(l))
	}
}
