// Binary framing for the raw TCP transport.
//
// TCP is a byte stream, so message boundaries need a length prefix. Each
// frame is a fixed 9-byte header followed by the payload:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │ft│ payLen  │  payload ...   │
//	│ wbf  │01│  │ uint32  │ payLen bytes   │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// The receiver reads the header first, then exactly payLen bytes. Keepalive
// frames carry no payload and never reach the Handler.

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "wbf" identify the stream as ours and reject stray clients
// (e.g. an HTTP request hitting the wrong port) on the first read.
const (
	frameMagic1  byte = 0x77 // 'w'
	frameMagic2  byte = 0x62 // 'b'
	frameMagic3  byte = 0x66 // 'f'
	frameVersion byte = 0x01

	frameHeaderSize = 9 // 3 (magic) + 1 (version) + 1 (frame type) + 4 (payload length)

	// maxFramePayload bounds the allocation a corrupted or hostile length
	// prefix can force.
	maxFramePayload = 16 << 20
)

type frameType byte

const (
	frameData      frameType = 0 // Carries one complete text message
	frameKeepalive frameType = 1 // Liveness probe, no payload
)

// writeFrame writes one complete frame to w. Callers that share a writer
// across goroutines must hold a write lock, otherwise concurrent frames
// interleave and corrupt the stream.
func writeFrame(w io.Writer, ft frameType, payload []byte) error {
	buf := make([]byte, frameHeaderSize)
	buf[0], buf[1], buf[2] = frameMagic1, frameMagic2, frameMagic3
	buf[3] = frameVersion
	buf[4] = byte(ft)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(payload)))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one complete frame from r. io.ReadFull guarantees exactly
// the advertised byte counts, so a short read surfaces as an error instead
// of a truncated payload.
func readFrame(r io.Reader) (frameType, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	if header[0] != frameMagic1 || header[1] != frameMagic2 || header[2] != frameMagic3 {
		return 0, nil, fmt.Errorf("transport: invalid magic number: %x", header[0:3])
	}
	if header[3] != frameVersion {
		return 0, nil, fmt.Errorf("transport: unsupported frame version: %d", header[3])
	}
	ft := frameType(header[4])
	if ft != frameData && ft != frameKeepalive {
		return 0, nil, fmt.Errorf("transport: unsupported frame type: %d", header[4])
	}

	payLen := binary.BigEndian.Uint32(header[5:9])
	if payLen > maxFramePayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payLen)
	}
	if payLen == 0 {
		return ft, nil, nil
	}

	payload := make([]byte, payLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return ft, payload, nil
}
