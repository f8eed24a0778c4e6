package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/arcgraph/arcgraph-go/db"
)

// handshakeMagic is the 4-byte preamble every connection opens with.
const handshakeMagic = 0x6060B017

// protocolVersion is the single version this driver speaks.
const protocolVersion = 3

// Handshake negotiates the protocol version: magic, then four candidate
// versions in preference order (unsupported slots zero); the server answers
// with its choice, or zero for none. Handshake failures always surface as
// ServiceUnavailable, never as a client error.
func Handshake(conn net.Conn) (uint32, error) {
	var buf [20]byte
	binary.BigEndian.PutUint32(buf[0:], handshakeMagic)
	binary.BigEndian.PutUint32(buf[4:], protocolVersion)

	if _, err := conn.Write(buf[:]); err != nil {
		return 0, &db.ServiceUnavailable{Message: "protocol handshake write failed", Cause: err}
	}
	if _, err := io.ReadFull(conn, buf[:4]); err != nil {
		return 0, &db.ServiceUnavailable{Message: "protocol handshake read failed", Cause: err}
	}

	var chosen = binary.BigEndian.Uint32(buf[:4])
	if chosen == 0 {
		return 0, &db.ServiceUnavailable{
			Message: fmt.Sprintf("server refused every offered protocol version (offered %d)", protocolVersion),
		}
	}
	if chosen != protocolVersion {
		return 0, &db.ServiceUnavailable{
			Message: fmt.Sprintf("server chose unsupported protocol version %d", chosen),
		}
	}
	return chosen, nil
}
