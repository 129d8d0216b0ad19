// footer.go implements SST file footer parsing and encoding.
//
// The footer is the fixed-size trailer at the end of every table file. It
// carries two block handles (pointing at the metaindex block and the index
// block) and a magic number identifying the file as a table file.
//
// This is the original LevelDB table format: one footer layout, one magic
// number, no per-file format-version negotiation and no block-location
// indirection through the metaindex block. Index and metaindex handles
// always live directly in the footer.
package block

import (
	"encoding/binary"
)

// TableMagicNumber is written as the last 8 bytes of every table file.
const TableMagicNumber uint64 = 0xdb4775248b80fb57

// MagicNumberLengthByte is the length of the magic number in bytes.
const MagicNumberLengthByte = 8

// BlockTrailerSize is the size of the block trailer (compression type +
// checksum) appended after every block's contents: 1 (type) + 4 (checksum).
const BlockTrailerSize = 5

// CompressionType identifies how a block's contents are stored on disk.
type CompressionType uint8

const (
	// CompressionNone means the block is stored uncompressed.
	CompressionNone CompressionType = 0
	// CompressionSnappy means the block is Snappy-compressed.
	CompressionSnappy CompressionType = 1
	// CompressionZlib means the block is zlib-compressed.
	CompressionZlib CompressionType = 2
	// CompressionLZ4 means the block is LZ4-compressed.
	CompressionLZ4 CompressionType = 4
	// CompressionZstd means the block is Zstandard-compressed.
	CompressionZstd CompressionType = 7
)

// Type identifies the role a block plays within a table file. It is used
// only to pick the right checksum/compression handling when writing;
// it is never itself serialized.
type Type int

const (
	// TypeData is a data block containing key-value pairs.
	TypeData Type = iota
	// TypeIndex is the index block.
	TypeIndex
	// TypeMetaIndex is the metaindex block.
	TypeMetaIndex
	// TypeProperties is a properties meta-block.
	TypeProperties
	// TypeFilter is a filter meta-block.
	TypeFilter
)

// Footer encapsulates the fixed information stored at the tail end of
// every table file: 2 block handles, zero-padded to 40 bytes, followed by
// the 8-byte magic number (48 bytes total).
type Footer struct {
	// MetaindexHandle points at the metaindex block.
	MetaindexHandle Handle

	// IndexHandle points at the top-level index block.
	IndexHandle Handle
}

// EncodedLength is the fixed size of an encoded footer: two block handles
// (each up to MaxEncodedLength bytes, zero-padded) plus an 8-byte magic.
const EncodedLength = 2*MaxEncodedLength + MagicNumberLengthByte

// MinEncodedLength and MaxEncodedFooterLength both equal EncodedLength:
// there is exactly one footer size, not a version-dependent range. Both
// names are kept so call sites that only need "how much to read off the
// tail of the file" don't need to know there's just one footer shape.
const (
	MinEncodedLength       = EncodedLength
	MaxEncodedFooterLength = EncodedLength
)

// DecodeFooter decodes a footer from the last EncodedLength bytes of a
// table file. enforceMagicNumber, if non-zero, causes DecodeFooter to
// reject any magic number other than the one given (callers normally
// pass TableMagicNumber).
func DecodeFooter(data []byte, enforceMagicNumber uint64) (*Footer, error) {
	if len(data) < EncodedLength {
		return nil, ErrBadBlockFooter
	}
	// The caller may have handed us a larger tail read; only the last
	// EncodedLength bytes are the footer.
	data = data[len(data)-EncodedLength:]

	magic := binary.LittleEndian.Uint64(data[EncodedLength-MagicNumberLengthByte:])
	if enforceMagicNumber != 0 && magic != enforceMagicNumber {
		return nil, ErrBadBlockFooter
	}

	footer := &Footer{}

	metaindexHandle, rest, err := DecodeHandle(data)
	if err != nil {
		return nil, err
	}
	footer.MetaindexHandle = metaindexHandle

	indexHandle, _, err := DecodeHandle(rest)
	if err != nil {
		return nil, err
	}
	footer.IndexHandle = indexHandle

	return footer, nil
}

// EncodeTo encodes the footer into a fixed EncodedLength-byte buffer.
func (f *Footer) EncodeTo() []byte {
	buf := make([]byte, EncodedLength)

	n := 0
	n += copy(buf[n:], f.MetaindexHandle.EncodeToSlice())
	n += copy(buf[n:], f.IndexHandle.EncodeToSlice())
	// buf[n:EncodedLength-8] is left zero as padding.

	binary.LittleEndian.PutUint64(buf[EncodedLength-MagicNumberLengthByte:], TableMagicNumber)

	return buf
}
