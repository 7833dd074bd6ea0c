package ticket

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/crc64nvme"
)

// Serialized ticket layout:
// - Magic (4 bytes) "STKT"
// - Version (1 byte)
// - Payload (N bytes) zstd compressed JSON
// - CRC64 (8 bytes, little endian) CRC64-NVME of magic, version and payload
var magic = []byte("STKT")

const (
	formatVersion = 1
	headerSize    = 5
	trailerSize   = 8

	// maxDecodedSize bounds decompression of hostile or damaged input.
	maxDecodedSize = 1 << 20
)

var (
	ErrTruncated       = errors.New("ticket data truncated")
	ErrBadMagic        = errors.New("ticket data has unknown format")
	ErrVersion         = errors.New("ticket data has unsupported version")
	ErrChecksum        = errors.New("ticket checksum mismatch")
	ErrDecompress      = errors.New("ticket payload failed to decompress")
	ErrMalformedTicket = errors.New("ticket payload is malformed")
)

// DecodeResult is the outcome of decoding a stored ticket. Corruption is a
// normal result, not an exceptional one, so it is reported as a value.
type DecodeResult struct {
	Ticket *Ticket
	Err    error
}

// OK reports whether decoding produced a usable ticket.
func (r DecodeResult) OK() bool {
	return r.Err == nil && r.Ticket != nil
}

// Codec serializes tickets for storage. It is safe for concurrent use.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec creates a ticket codec.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Codec{enc: enc, dec: dec}, nil
}

// Encode serializes a ticket.
func (c *Codec) Encode(t *Ticket) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ticket: %w", err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(payload)+trailerSize))
	buf.Write(magic)
	buf.WriteByte(formatVersion)
	buf.Write(c.enc.EncodeAll(payload, nil))

	// binary.Write to bytes.Buffer never errors, so we can safely ignore
	_ = binary.Write(buf, binary.LittleEndian, computeCRC64(buf.Bytes()))

	return buf.Bytes(), nil
}

// Decode parses serialized ticket data. It never panics on arbitrary input.
func (c *Codec) Decode(data []byte) DecodeResult {
	if len(data) < headerSize+trailerSize {
		return DecodeResult{Err: ErrTruncated}
	}

	if !bytes.Equal(data[:len(magic)], magic) {
		return DecodeResult{Err: ErrBadMagic}
	}

	if data[len(magic)] != formatVersion {
		return DecodeResult{Err: fmt.Errorf("%w: %d", ErrVersion, data[len(magic)])}
	}

	body := data[:len(data)-trailerSize]
	storedCRC := binary.LittleEndian.Uint64(data[len(data)-trailerSize:])
	if computed := computeCRC64(body); computed != storedCRC {
		return DecodeResult{Err: fmt.Errorf("%w: stored=%x computed=%x", ErrChecksum, storedCRC, computed)}
	}

	payload, err := c.dec.DecodeAll(body[headerSize:], nil)
	if err != nil {
		return DecodeResult{Err: fmt.Errorf("%w: %v", ErrDecompress, err)}
	}

	var t Ticket
	if err := json.Unmarshal(payload, &t); err != nil {
		return DecodeResult{Err: fmt.Errorf("%w: %v", ErrMalformedTicket, err)}
	}

	if err := t.Validate(); err != nil {
		return DecodeResult{Err: fmt.Errorf("%w: %v", ErrMalformedTicket, err)}
	}

	return DecodeResult{Ticket: &t}
}

// computeCRC64 computes CRC64-NVME checksum
func computeCRC64(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}
