// Package gdeflate describes the GDeflate stream layout and hosts the
// decoder stub behind the runtime's stubbed compression mode.
//
// GDeflate is a block-based format designed for GPU decompression: a
// stream is a fixed header followed by independently decompressible
// blocks. Only the metadata layer is implemented here; Decode always
// fails with ENOTSUP until a real codec lands.
package gdeflate

import (
	"encoding/binary"
	"syscall"

	ds "github.com/infinityabundance/ds-runtime"
)

const (
	// Magic spells "GDFL" read most-significant byte first; it is
	// encoded little-endian, so a stream's first four bytes are "LFDG".
	Magic = 0x4744464C

	VersionMajor = 1
	VersionMinor = 0

	// MaxBlockSize is the largest uncompressed block size (16 MiB).
	MaxBlockSize = 16 * 1024 * 1024

	// HeaderSize is the encoded FileHeader length in bytes.
	HeaderSize = 32

	// BlockInfoSize is the encoded BlockInfo length in bytes.
	BlockInfoSize = 20
)

// FileHeader sits at the start of every GDeflate stream.
type FileHeader struct {
	Magic            uint32
	VersionMajor     uint16
	VersionMinor     uint16
	Flags            uint32
	UncompressedSize uint32
	CompressedSize   uint32
	BlockCount       uint32
	Reserved         [2]uint32
}

// Valid reports whether the header identifies a well-formed stream.
func (h *FileHeader) Valid() bool {
	return h.Magic == Magic &&
		h.VersionMajor == VersionMajor &&
		h.UncompressedSize > 0 &&
		h.CompressedSize > 0 &&
		h.BlockCount > 0
}

// Marshal encodes the header in its wire layout.
func (h *FileHeader) Marshal() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint16(b[4:6], h.VersionMajor)
	binary.LittleEndian.PutUint16(b[6:8], h.VersionMinor)
	binary.LittleEndian.PutUint32(b[8:12], h.Flags)
	binary.LittleEndian.PutUint32(b[12:16], h.UncompressedSize)
	binary.LittleEndian.PutUint32(b[16:20], h.CompressedSize)
	binary.LittleEndian.PutUint32(b[20:24], h.BlockCount)
	binary.LittleEndian.PutUint32(b[24:28], h.Reserved[0])
	binary.LittleEndian.PutUint32(b[28:32], h.Reserved[1])
	return b
}

// ParseHeader decodes and validates a stream header.
func ParseHeader(b []byte) (FileHeader, error) {
	var h FileHeader
	if len(b) < HeaderSize {
		return h, ds.NewError("gdeflate", "parse_header", ds.ErrCodeInvalidRequest, "stream shorter than header")
	}

	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	h.VersionMajor = binary.LittleEndian.Uint16(b[4:6])
	h.VersionMinor = binary.LittleEndian.Uint16(b[6:8])
	h.Flags = binary.LittleEndian.Uint32(b[8:12])
	h.UncompressedSize = binary.LittleEndian.Uint32(b[12:16])
	h.CompressedSize = binary.LittleEndian.Uint32(b[16:20])
	h.BlockCount = binary.LittleEndian.Uint32(b[20:24])
	h.Reserved[0] = binary.LittleEndian.Uint32(b[24:28])
	h.Reserved[1] = binary.LittleEndian.Uint32(b[28:32])

	if !h.Valid() {
		return h, ds.NewError("gdeflate", "parse_header", ds.ErrCodeInvalidRequest, "invalid stream header")
	}
	return h, nil
}

// BlockInfo is the metadata record for one compressed block.
type BlockInfo struct {
	Offset           uint64
	CompressedSize   uint32
	UncompressedSize uint32
	Checksum         uint32
}

// Valid reports whether the block record is well-formed.
func (b *BlockInfo) Valid() bool {
	return b.CompressedSize > 0 &&
		b.UncompressedSize > 0 &&
		b.UncompressedSize <= MaxBlockSize
}

// Marshal encodes the block record in its wire layout.
func (b *BlockInfo) Marshal() []byte {
	out := make([]byte, BlockInfoSize)
	binary.LittleEndian.PutUint64(out[0:8], b.Offset)
	binary.LittleEndian.PutUint32(out[8:12], b.CompressedSize)
	binary.LittleEndian.PutUint32(out[12:16], b.UncompressedSize)
	binary.LittleEndian.PutUint32(out[16:20], b.Checksum)
	return out
}

func parseBlockInfo(b []byte) BlockInfo {
	return BlockInfo{
		Offset:           binary.LittleEndian.Uint64(b[0:8]),
		CompressedSize:   binary.LittleEndian.Uint32(b[8:12]),
		UncompressedSize: binary.LittleEndian.Uint32(b[12:16]),
		Checksum:         binary.LittleEndian.Uint32(b[16:20]),
	}
}

// StreamInfo is a parsed stream: header plus per-block metadata.
type StreamInfo struct {
	Header FileHeader
	Blocks []BlockInfo
}

// Valid reports whether the whole stream description is consistent.
func (s *StreamInfo) Valid() bool {
	if !s.Header.Valid() {
		return false
	}
	if uint32(len(s.Blocks)) != s.Header.BlockCount {
		return false
	}
	for i := range s.Blocks {
		if !s.Blocks[i].Valid() {
			return false
		}
	}
	return true
}

// ParseStream decodes a header and its block table.
func ParseStream(b []byte) (StreamInfo, error) {
	var s StreamInfo

	h, err := ParseHeader(b)
	if err != nil {
		return s, err
	}
	s.Header = h

	need := HeaderSize + int(h.BlockCount)*BlockInfoSize
	if len(b) < need {
		return s, ds.NewError("gdeflate", "parse_stream", ds.ErrCodeInvalidRequest, "truncated block table")
	}

	s.Blocks = make([]BlockInfo, h.BlockCount)
	for i := range s.Blocks {
		off := HeaderSize + i*BlockInfoSize
		s.Blocks[i] = parseBlockInfo(b[off : off+BlockInfoSize])
	}

	if !s.Valid() {
		return s, ds.NewError("gdeflate", "parse_stream", ds.ErrCodeInvalidRequest, "invalid block table")
	}
	return s, nil
}

// ErrNotImplemented is returned by Decode until a real codec exists.
var ErrNotImplemented = ds.NewErrnoError("gdeflate", "decode", syscall.ENOTSUP)

// Decode would decompress src into dst and return the decompressed
// length. No codec is wired up; it always fails with ENOTSUP so
// callers surface a clean "not supported" instead of corrupt data.
func Decode(dst, src []byte) (int, error) {
	return 0, ErrNotImplemented
}
