package frame

import (
	"encoding/binary"
	"fmt"
)

// WireVersion is the only version this codec emits; receivers MUST
// reject any other major version (spec §6).
const WireVersion uint8 = 2

// Codec errors, matching the taxonomy named in spec §4.1.
var (
	ErrTruncatedInput = codecErr("truncated input")
	ErrUnknownVersion = codecErr("unknown wire version")
	ErrUnknownType    = codecErr("unknown frame type")
	ErrPathTooLong    = codecErr("route path exceeds cap")
)

type codecError string

func (e codecError) Error() string { return string(e) }

func codecErr(msg string) error { return codecError(msg) }

// Encode serializes f per the length-prefixed little-endian layout of
// spec §4.1.
func Encode(f *Frame) ([]byte, error) {
	if !f.Type.IsValid() {
		return nil, ErrUnknownType
	}
	if len(f.RoutePath) > maxRoutePathLen {
		return nil, ErrPathTooLong
	}
	if len(f.SourceID) > 255 {
		return nil, fmt.Errorf("%w: source id too long", ErrPathTooLong)
	}
	for _, p := range f.RoutePath {
		if len(p) > 255 {
			return nil, fmt.Errorf("%w: path entry too long", ErrPathTooLong)
		}
	}

	size := 4 + 16 + 4 + 1 + len(f.SourceID) + 1
	if f.HasTarget() {
		size += 1 + len(f.TargetID)
	}
	size += 1
	for _, p := range f.RoutePath {
		size += 1 + len(p)
	}
	size += 2 + len(f.Payload)

	buf := make([]byte, size)
	off := 0

	buf[off] = WireVersion
	off++
	buf[off] = byte(f.Type)
	off++
	buf[off] = f.TTL
	off++
	buf[off] = f.HopCount
	off++

	copy(buf[off:off+16], f.ID[:])
	off += 16

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(f.Timestamp.Unix()))
	off += 4

	buf[off] = byte(len(f.SourceID))
	off++
	off += copy(buf[off:], []byte(f.SourceID))

	if f.HasTarget() {
		buf[off] = 1
		off++
		buf[off] = byte(len(f.TargetID))
		off++
		off += copy(buf[off:], []byte(f.TargetID))
	} else {
		buf[off] = 0
		off++
	}

	buf[off] = byte(len(f.RoutePath))
	off++
	for _, p := range f.RoutePath {
		buf[off] = byte(len(p))
		off++
		off += copy(buf[off:], []byte(p))
	}

	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(f.Payload)))
	off += 2
	off += copy(buf[off:], f.Payload)

	return buf[:off], nil
}

// Decode parses a frame from bytes encoded by Encode, validating the
// version, type, and path-length cap per spec §4.1.
func Decode(data []byte) (*Frame, error) {
	r := &reader{buf: data}

	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != WireVersion {
		return nil, ErrUnknownVersion
	}

	typByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	typ := Type(typByte)
	if !typ.IsValid() {
		return nil, ErrUnknownType
	}

	ttl, err := r.byte()
	if err != nil {
		return nil, err
	}
	hopCount, err := r.byte()
	if err != nil {
		return nil, err
	}

	var id [16]byte
	idBytes, err := r.take(16)
	if err != nil {
		return nil, err
	}
	copy(id[:], idBytes)

	ts, err := r.uint32()
	if err != nil {
		return nil, err
	}

	sourceLen, err := r.byte()
	if err != nil {
		return nil, err
	}
	sourceBytes, err := r.take(int(sourceLen))
	if err != nil {
		return nil, err
	}

	hasTarget, err := r.byte()
	if err != nil {
		return nil, err
	}
	var target PeerID
	if hasTarget != 0 {
		targetLen, err := r.byte()
		if err != nil {
			return nil, err
		}
		targetBytes, err := r.take(int(targetLen))
		if err != nil {
			return nil, err
		}
		target = PeerID(targetBytes)
	}

	pathCount, err := r.byte()
	if err != nil {
		return nil, err
	}
	if int(pathCount) > maxRoutePathLen {
		return nil, ErrPathTooLong
	}
	path := make([]PeerID, 0, pathCount)
	for i := 0; i < int(pathCount); i++ {
		entryLen, err := r.byte()
		if err != nil {
			return nil, err
		}
		entryBytes, err := r.take(int(entryLen))
		if err != nil {
			return nil, err
		}
		path = append(path, PeerID(entryBytes))
	}

	payloadLen, err := r.uint16()
	if err != nil {
		return nil, err
	}
	payloadBytes, err := r.take(int(payloadLen))
	if err != nil {
		return nil, err
	}
	payload := append([]byte(nil), payloadBytes...)

	return &Frame{
		ID:        id,
		Type:      typ,
		SourceID:  PeerID(sourceBytes),
		TargetID:  target,
		Payload:   payload,
		Timestamp: unixSeconds(ts),
		TTL:       ttl,
		HopCount:  hopCount,
		RoutePath: path,
	}, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, ErrTruncatedInput
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, ErrTruncatedInput
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}
