package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// OpType represents the type of journal record
type OpType byte

const (
	// OpEvent carries one encoded change event
	OpEvent OpType = 1

	// OpCommit seals a commit's batch once the record store committed it
	OpCommit OpType = 2

	// OpCheckpoint marks a retention checkpoint
	OpCheckpoint OpType = 3
)

const (
	// EntryHeaderSize is the fixed size of the entry header
	// Layout: LSN(8) + Commit(8) + OpType(1) + Reserved(7) + KeyLen(4) + ValLen(4) + Timestamp(8)
	EntryHeaderSize = 40

	// maxPayload bounds key+value so a corrupted header cannot trigger a huge allocation
	maxPayload = 64 << 20
)

// Entry represents a single journal entry
type Entry struct {
	LSN       uint64    // Log Sequence Number (monotonically increasing)
	Commit    uint64    // Commit the entry belongs to
	OpType    OpType    // Operation type
	Key       []byte    // Entity id (for OpEvent)
	Value     []byte    // Encoded event (for OpEvent)
	Timestamp time.Time // Entry timestamp
}

// Encode serializes the entry to bytes with CRC32 checksum
// Format: [Header(40)] [Key] [Value] [CRC32(4)]
func (e *Entry) Encode() []byte {
	keyLen := len(e.Key)
	valLen := len(e.Value)
	buf := make([]byte, e.Size())

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.Commit)
	buf[16] = byte(e.OpType)
	// bytes 17-23 are reserved (padding)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(keyLen))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(valLen))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(e.Timestamp.UnixNano()))

	offset := EntryHeaderSize
	copy(buf[offset:], e.Key)
	offset += keyLen
	copy(buf[offset:], e.Value)
	offset += valLen

	// CRC covers everything before it
	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// payloadLen returns key+value length from a header, validating it
func payloadLen(header []byte) (int, int, error) {
	keyLen := binary.LittleEndian.Uint32(header[24:28])
	valLen := binary.LittleEndian.Uint32(header[28:32])
	if uint64(keyLen)+uint64(valLen) > maxPayload {
		return 0, 0, ErrCorrupted
	}
	return int(keyLen), int(valLen), nil
}

// DecodeEntry deserializes a journal entry from bytes
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}

	keyLen, valLen, err := payloadLen(data)
	if err != nil {
		return nil, err
	}
	expectedSize := EntryHeaderSize + keyLen + valLen + 4
	if len(data) < expectedSize {
		return nil, ErrTruncated
	}
	data = data[:expectedSize]

	storedCRC := binary.LittleEndian.Uint32(data[expectedSize-4:])
	if storedCRC != crc32.ChecksumIEEE(data[:expectedSize-4]) {
		return nil, ErrCorrupted
	}

	entry := &Entry{
		LSN:       binary.LittleEndian.Uint64(data[0:8]),
		Commit:    binary.LittleEndian.Uint64(data[8:16]),
		OpType:    OpType(data[16]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[32:40]))),
	}

	switch entry.OpType {
	case OpEvent, OpCommit, OpCheckpoint:
	default:
		return nil, fmt.Errorf("%w: op %d", ErrInvalidEntry, entry.OpType)
	}

	offset := EntryHeaderSize
	if keyLen > 0 {
		entry.Key = append([]byte(nil), data[offset:offset+keyLen]...)
		offset += keyLen
	}
	if valLen > 0 {
		entry.Value = append([]byte(nil), data[offset:offset+valLen]...)
	}

	return entry, nil
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.Key) + len(e.Value) + 4
}

// String returns a human-readable representation of the entry
func (e *Entry) String() string {
	opName := "UNKNOWN"
	switch e.OpType {
	case OpEvent:
		opName = "EVENT"
	case OpCommit:
		opName = "COMMIT"
	case OpCheckpoint:
		opName = "CHECKPOINT"
	}
	return fmt.Sprintf("JOURNAL[LSN=%d Commit=%d Op=%s KeyLen=%d ValLen=%d]",
		e.LSN, e.Commit, opName, len(e.Key), len(e.Value))
}
