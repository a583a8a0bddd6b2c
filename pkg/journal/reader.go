package journal

import (
	"errors"
	"io"
	"os"
)

// Reader reads journal entries from segment files in order
type Reader struct {
	files   []string // Segment files to read
	current int      // Current file index
	fd      *os.File // Current file descriptor
	offset  int64    // Current offset in file

	// TornSegments counts segments whose tail could not be decoded
	TornSegments int
}

// NewReader creates a journal reader for the given segment files
func NewReader(files []string) *Reader {
	return &Reader{files: files}
}

// Open opens the reader
func (r *Reader) Open() error {
	if len(r.files) == 0 {
		return ErrLogNotFound
	}

	fd, err := os.Open(r.files[0])
	if err != nil {
		return err
	}

	r.fd = fd
	r.offset = 0
	return nil
}

// Next reads the next entry. It returns io.EOF after the last entry.
//
// A corrupted or truncated entry ends its segment: entries are only ever
// appended, so anything after a bad entry in the same file is a torn write.
func (r *Reader) Next() (*Entry, error) {
	for {
		entry, err := r.readEntryFromCurrent()
		if err == nil {
			return entry, nil
		}

		switch {
		case err == io.EOF:
		case errors.Is(err, ErrCorrupted), errors.Is(err, ErrTruncated), errors.Is(err, ErrInvalidEntry), err == io.ErrUnexpectedEOF:
			r.TornSegments++
		default:
			return nil, err
		}

		if err := r.nextFile(); err != nil {
			return nil, err
		}
	}
}

// readEntryFromCurrent reads an entry from the current file
func (r *Reader) readEntryFromCurrent() (*Entry, error) {
	if r.fd == nil {
		return nil, io.EOF
	}

	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(r.fd, header); err != nil {
		return nil, err
	}

	keyLen, valLen, err := payloadLen(header)
	if err != nil {
		return nil, err
	}

	dataLen := keyLen + valLen + 4
	data := make([]byte, EntryHeaderSize+dataLen)
	copy(data, header)

	if _, err := io.ReadFull(r.fd, data[EntryHeaderSize:]); err != nil {
		return nil, err
	}

	r.offset += int64(EntryHeaderSize + dataLen)

	return DecodeEntry(data)
}

// nextFile moves to the next segment file
func (r *Reader) nextFile() error {
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}

	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}

	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}

	r.fd = fd
	r.offset = 0
	return nil
}

// Close closes the reader
func (r *Reader) Close() error {
	if r.fd != nil {
		return r.fd.Close()
	}
	return nil
}

// ReadAll reads all entries from all files
func ReadAll(files []string) ([]*Entry, error) {
	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		return nil, err
	}
	defer reader.Close()

	var entries []*Entry
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
