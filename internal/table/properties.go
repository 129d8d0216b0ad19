// Package table provides SST file reading and writing functionality.
// This file implements TableProperties parsing.
package table

import (
	"github.com/kmihara/rockykv/internal/block"
	"github.com/kmihara/rockykv/internal/encoding"
)

// Property name constants. Unlike RocksDB's properties block, these carry
// no "rocksdb." namespace prefix and no format-version property: there is
// exactly one table format, so nothing in the properties block needs to
// say which version of it produced the file.
const (
	PropDBID                           = "creating.db.identity"
	PropDBSessionID                    = "creating.session.identity"
	PropDBHostID                       = "creating.host.identity"
	PropOriginalFileNumber             = "original.file.number"
	PropDataSize                       = "data.size"
	PropIndexSize                      = "index.size"
	PropIndexPartitions                = "index.partitions"
	PropTopLevelIndexSize              = "top-level.index.size"
	PropIndexKeyIsUserKey              = "index.key.is.user.key"
	PropIndexValueIsDeltaEncoded       = "index.value.is.delta.encoded"
	PropFilterSize                     = "filter.size"
	PropRawKeySize                     = "raw.key.size"
	PropRawValueSize                   = "raw.value.size"
	PropNumDataBlocks                  = "num.data.blocks"
	PropNumEntries                     = "num.entries"
	PropNumFilterEntries               = "num.filter.entries"
	PropDeletedKeys                    = "deleted.keys"
	PropMergeOperands                  = "merge.operands"
	PropNumRangeDeletions              = "num.range-deletions"
	PropFixedKeyLen                    = "fixed.key.length"
	PropFilterPolicy                   = "filter.policy"
	PropColumnFamilyName               = "column.family.name"
	PropColumnFamilyID                 = "column.family.id"
	PropComparator                     = "comparator"
	PropMergeOperator                  = "merge.operator"
	PropPrefixExtractorName            = "prefix.extractor.name"
	PropPropertyCollectors             = "property.collectors"
	PropCompression                    = "compression"
	PropCompressionOptions             = "compression_options"
	PropCreationTime                   = "creation.time"
	PropOldestKeyTime                  = "oldest.key.time"
	PropNewestKeyTime                  = "newest.key.time"
	PropFileCreationTime               = "file.creation.time"
	PropSlowCompressionEstimatedSize   = "sample_for_compression"
	PropFastCompressionEstimatedSize   = "sample_for_compression.2"
	PropTailStartOffset                = "tail.start.offset"
	PropUserDefinedTimestampsPersisted = "user.defined.timestamps.persisted"
	PropKeyLargestSeqno                = "key.largest.seqno"
	PropKeySmallestSeqno               = "key.smallest.seqno"
)

// TableProperties contains metadata about an SST file.
type TableProperties struct {
	// Basic statistics
	DataSize          uint64
	IndexSize         uint64
	IndexPartitions   uint64
	TopLevelIndexSize uint64
	FilterSize        uint64
	RawKeySize        uint64
	RawValueSize      uint64
	NumDataBlocks     uint64
	NumEntries        uint64
	NumFilterEntries  uint64
	NumDeletions      uint64
	NumMergeOperands  uint64
	NumRangeDeletions uint64
	FixedKeyLen       uint64
	ColumnFamilyID    uint64
	CreationTime      uint64
	OldestKeyTime     uint64
	NewestKeyTime     uint64
	FileCreationTime  uint64
	OrigFileNumber    uint64
	TailStartOffset   uint64
	KeyLargestSeqno   uint64
	KeySmallestSeqno  uint64

	// Boolean-like properties (stored as uint64)
	IndexKeyIsUserKey              uint64
	IndexValueIsDeltaEncoded       uint64
	UserDefinedTimestampsPersisted uint64
	SlowCompressionEstimatedSize   uint64
	FastCompressionEstimatedSize   uint64

	// String properties
	DBID                    string
	DBSessionID             string
	DBHostID                string
	FilterPolicyName        string
	ColumnFamilyName        string
	ComparatorName          string
	MergeOperatorName       string
	PrefixExtractorName     string
	PropertyCollectorsNames string
	CompressionName         string
	CompressionOptions      string

	// User-collected properties
	UserCollectedProperties map[string]string
}

// ParsePropertiesBlock parses a properties block into TableProperties.
func ParsePropertiesBlock(data []byte) (*TableProperties, error) {
	// The properties block is a regular block with key-value pairs
	blk, err := block.NewBlock(data)
	if err != nil {
		return nil, err
	}

	props := &TableProperties{
		UserCollectedProperties: make(map[string]string),
	}

	iter := blk.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		value := iter.Value()

		// Try to parse as uint64 property
		if parseUint64Property(props, key, value) {
			continue
		}

		// Try to parse as string property
		if parseStringProperty(props, key, value) {
			continue
		}

		// Unknown property - store in user-collected
		props.UserCollectedProperties[key] = string(value)
	}

	return props, nil
}

// parseUint64Property parses a uint64 property if the key matches.
func parseUint64Property(props *TableProperties, key string, value []byte) bool {
	var target *uint64

	switch key {
	case PropOriginalFileNumber:
		target = &props.OrigFileNumber
	case PropDataSize:
		target = &props.DataSize
	case PropIndexSize:
		target = &props.IndexSize
	case PropIndexPartitions:
		target = &props.IndexPartitions
	case PropTopLevelIndexSize:
		target = &props.TopLevelIndexSize
	case PropIndexKeyIsUserKey:
		target = &props.IndexKeyIsUserKey
	case PropIndexValueIsDeltaEncoded:
		target = &props.IndexValueIsDeltaEncoded
	case PropFilterSize:
		target = &props.FilterSize
	case PropRawKeySize:
		target = &props.RawKeySize
	case PropRawValueSize:
		target = &props.RawValueSize
	case PropNumDataBlocks:
		target = &props.NumDataBlocks
	case PropNumEntries:
		target = &props.NumEntries
	case PropNumFilterEntries:
		target = &props.NumFilterEntries
	case PropDeletedKeys:
		target = &props.NumDeletions
	case PropMergeOperands:
		target = &props.NumMergeOperands
	case PropNumRangeDeletions:
		target = &props.NumRangeDeletions
	case PropFixedKeyLen:
		target = &props.FixedKeyLen
	case PropColumnFamilyID:
		target = &props.ColumnFamilyID
	case PropCreationTime:
		target = &props.CreationTime
	case PropOldestKeyTime:
		target = &props.OldestKeyTime
	case PropNewestKeyTime:
		target = &props.NewestKeyTime
	case PropFileCreationTime:
		target = &props.FileCreationTime
	case PropTailStartOffset:
		target = &props.TailStartOffset
	case PropUserDefinedTimestampsPersisted:
		target = &props.UserDefinedTimestampsPersisted
	case PropKeyLargestSeqno:
		target = &props.KeyLargestSeqno
	case PropKeySmallestSeqno:
		target = &props.KeySmallestSeqno
	case PropSlowCompressionEstimatedSize:
		target = &props.SlowCompressionEstimatedSize
	case PropFastCompressionEstimatedSize:
		target = &props.FastCompressionEstimatedSize
	default:
		return false
	}

	// Parse varint64
	v, _, err := encoding.DecodeVarint64(value)
	if err != nil {
		return false
	}
	*target = v
	return true
}

// parseStringProperty parses a string property if the key matches.
func parseStringProperty(props *TableProperties, key string, value []byte) bool {
	switch key {
	case PropDBID:
		props.DBID = string(value)
	case PropDBSessionID:
		props.DBSessionID = string(value)
	case PropDBHostID:
		props.DBHostID = string(value)
	case PropFilterPolicy:
		props.FilterPolicyName = string(value)
	case PropColumnFamilyName:
		props.ColumnFamilyName = string(value)
	case PropComparator:
		props.ComparatorName = string(value)
	case PropMergeOperator:
		props.MergeOperatorName = string(value)
	case PropPrefixExtractorName:
		props.PrefixExtractorName = string(value)
	case PropPropertyCollectors:
		props.PropertyCollectorsNames = string(value)
	case PropCompression:
		props.CompressionName = string(value)
	case PropCompressionOptions:
		props.CompressionOptions = string(value)
	default:
		return false
	}
	return true
}
