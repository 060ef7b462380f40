// Package demux splits the container engine's multiplexed output stream
// into separate stdout and stderr byte streams.
//
// Each frame is an 8 byte header followed by its payload. The header holds
// the stream type in byte 0, three reserved bytes and the payload length as
// a big-endian uint32 in bytes 4 to 7.
package demux

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"
)

// HeaderLen is the size of a frame header.
const HeaderLen = 8

// Demux decodes every complete frame in raw. It stops without error at a
// truncated final frame and reports how many bytes it consumed, so the
// caller can retry with more data appended.
func Demux(raw []byte) (stdout, stderr []byte, consumed int) {
	var out, errb bytes.Buffer
	consumed = decode(raw, &out, &errb)
	return out.Bytes(), errb.Bytes(), consumed
}

func decode(raw []byte, stdout, stderr *bytes.Buffer) int {
	off := 0
	for len(raw)-off >= HeaderLen {
		hdr := raw[off : off+HeaderLen]
		size := int(binary.BigEndian.Uint32(hdr[4:HeaderLen]))
		if len(raw)-off-HeaderLen < size {
			break
		}
		payload := raw[off+HeaderLen : off+HeaderLen+size]
		switch stdcopy.StdType(hdr[0]) {
		case stdcopy.Stderr, stdcopy.Systemerr:
			stderr.Write(payload)
		default:
			stdout.Write(payload)
		}
		off += HeaderLen + size
	}
	return off
}

// Frame encodes payload as a single frame of the given stream type.
func Frame(typ stdcopy.StdType, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = byte(typ)
	binary.BigEndian.PutUint32(buf[4:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf
}

// Demuxer is the incremental form of Demux. Bytes written to it are
// decoded as soon as a frame is complete. A partial tail is held until the
// rest of the frame arrives. Demuxer is safe for concurrent use.
type Demuxer struct {
	mu      sync.Mutex
	pending []byte
	stdout  bytes.Buffer
	stderr  bytes.Buffer
}

// Write appends p to the stream. It never fails.
func (d *Demuxer) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, p...)
	n := decode(d.pending, &d.stdout, &d.stderr)
	if n > 0 {
		d.pending = append(d.pending[:0], d.pending[n:]...)
	}
	return len(p), nil
}

// ReadFrom copies r into the demuxer until EOF or a read error. EOF is not
// reported as an error.
func (d *Demuxer) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = d.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Stdout returns a copy of the stdout bytes decoded so far.
func (d *Demuxer) Stdout() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.stdout.Bytes())
}

// Stderr returns a copy of the stderr bytes decoded so far.
func (d *Demuxer) Stderr() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.stderr.Bytes())
}

// Pending reports how many bytes of an incomplete frame are buffered.
func (d *Demuxer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
