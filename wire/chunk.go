package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Messages travel in chunks of at most 64KiB-1, each preceded by its
// big-endian uint16 size. A zero-size chunk terminates the message; servers
// may also send bare zero chunks as keep-alives.

// writeChunked frames |msg| into |w| and appends the end-of-message marker.
func writeChunked(w io.Writer, msg []byte) error {
	var hdr [2]byte
	for len(msg) > 0 {
		var n = len(msg)
		if n > math.MaxUint16 {
			n = math.MaxUint16
		}
		binary.BigEndian.PutUint16(hdr[:], uint16(n))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(msg[:n]); err != nil {
			return err
		}
		msg = msg[n:]
	}
	binary.BigEndian.PutUint16(hdr[:], 0)
	var _, err = w.Write(hdr[:])
	return err
}

// readChunked reads one complete message into |buf|, which is reused.
func readChunked(r io.Reader, buf []byte) ([]byte, error) {
	var hdr [2]byte
	buf = buf[:0]
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		var n = int(binary.BigEndian.Uint16(hdr[:]))
		if n == 0 {
			if len(buf) == 0 {
				continue // Keep-alive chunk between messages.
			}
			return buf, nil
		}
		var off = len(buf)
		if off+n > cap(buf) {
			var grown = make([]byte, off, off+n)
			copy(grown, buf)
			buf = grown
		}
		buf = buf[:off+n]
		if _, err := io.ReadFull(r, buf[off:]); err != nil {
			return nil, fmt.Errorf("reading %d-byte chunk: %w", n, err)
		}
	}
}
