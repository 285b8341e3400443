package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"
)

// markerType identifies the payload carried by a marker.
type markerType uint32

const (
	markerCollectionHeader markerType = iota + 1
	markerDocument
	markerDocumentRemove
	markerFooter
)

// markerHeaderSize is the fixed-size prefix of every marker: size, type,
// tick, crc. The body follows immediately and the whole marker is padded to
// an 8-byte boundary.
const markerHeaderSize = 4 + 4 + 8 + 4

// maxMarkerBodySize bounds a single marker's body so a corrupt or adversarial
// size field can never trigger a multi-gigabyte allocation while decoding.
const maxMarkerBodySize = 64 << 20

// marker is one length-prefixed, checksummed record inside a datafile.
// size==0 is the reserved terminator written into a journal's remaining
// unused space, and DecodeMarker treats it as end-of-file rather than an
// error.
type marker struct {
	kind       markerType
	tick       uint64
	body       []byte
	compressed bool
}

// encode serialises m into the on-disk marker format:
//
//	size(u32) type(u32) tick(u64) crc(u32) body(size-headerSize bytes) pad
//
// crc is computed over type+tick+body so a truncated or bit-flipped record
// is caught before it ever reaches an index. When compress is true the body
// is snappy-compressed before the size and crc are computed; the marker
// carries no separate flag byte for this because the caller (the collection)
// already knows whether journal compression is enabled and applies the same
// policy on decode.
func (m marker) encode(compress bool) []byte {
	body := m.body
	if compress && len(body) > 0 {
		body = snappy.Encode(nil, body)
	}

	total := markerHeaderSize + len(body)
	padded := align8(total)
	buf := make([]byte, padded)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.kind))
	binary.LittleEndian.PutUint64(buf[8:16], m.tick)
	copy(buf[markerHeaderSize:], body)

	binary.LittleEndian.PutUint32(buf[16:20], markerCRC(uint32(m.kind), m.tick, body))

	return buf
}

// markerCRC hashes type+tick+body, deliberately skipping the crc field's own
// 4-byte slot in the header so the value computed while writing a marker
// matches the value recomputed while reading one back - the slot holds
// nothing meaningful until after this call returns.
func markerCRC(kind uint32, tick uint64, body []byte) uint32 {
	h := crc32.NewIEEE()
	var head [12]byte
	binary.LittleEndian.PutUint32(head[0:4], kind)
	binary.LittleEndian.PutUint64(head[4:12], tick)
	h.Write(head[:])
	h.Write(body)
	return h.Sum32()
}

// decodeMarker reads one marker starting at the front of data. It returns
// the marker, the padded on-disk length actually consumed, and an error. A
// size field of zero is reported via ok=false with a nil error: the caller
// treats it as "no more markers here", not as corruption.
func decodeMarker(data []byte) (m marker, consumed int, ok bool, err error) {
	if len(data) < markerHeaderSize {
		return marker{}, 0, false, fmt.Errorf("%w: truncated header (%d bytes)", ErrMarkerCorrupt, len(data))
	}

	size := binary.LittleEndian.Uint32(data[0:4])
	if size == 0 {
		return marker{}, 0, false, nil
	}
	if size < markerHeaderSize {
		return marker{}, 0, false, fmt.Errorf("%w: size %d smaller than header", ErrMarkerCorrupt, size)
	}
	if size > markerHeaderSize+maxMarkerBodySize {
		return marker{}, 0, false, fmt.Errorf("%w: size %d exceeds maximum body", ErrMarkerCorrupt, size)
	}
	if int(size) > len(data) {
		return marker{}, 0, false, fmt.Errorf("%w: marker of size %d exceeds available %d bytes", ErrMarkerCorrupt, size, len(data))
	}

	kind := binary.LittleEndian.Uint32(data[4:8])
	tick := binary.LittleEndian.Uint64(data[8:16])
	wantCRC := binary.LittleEndian.Uint32(data[16:20])

	body := make([]byte, size-markerHeaderSize)
	copy(body, data[markerHeaderSize:size])

	if gotCRC := markerCRC(kind, tick, body); gotCRC != wantCRC {
		return marker{}, 0, false, fmt.Errorf("%w: checksum mismatch at tick %d", ErrMarkerCorrupt, tick)
	}

	padded := align8(int(size))
	if padded > len(data) {
		padded = int(size)
	}

	return marker{kind: markerType(kind), tick: tick, body: body}, padded, true, nil
}

// decompressBody undoes marker.encode's optional snappy pass. Called by the
// collection once it knows whether the body was written under compression.
func decompressBody(body []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy decode failed: %v", ErrMarkerCorrupt, err)
	}
	return out, nil
}

func align8(n int) int {
	if rem := n % 8; rem != 0 {
		n += 8 - rem
	}
	return n
}
