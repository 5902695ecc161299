package archive

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zip"

	"imagecompressor/internal/naming"
)

// ErrAlreadySerialized is returned when Serialize or Add is called after the
// archive has been written.
var ErrAlreadySerialized = errors.New("archive already serialized")

// SerializationError wraps a failure while writing the archive stream.
type SerializationError struct {
	Entry string
	Err   error
}

func (e *SerializationError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("archive serialization failed: %v", e.Err)
	}
	return fmt.Sprintf("archive serialization failed at %q: %v", e.Entry, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

type entry struct {
	name string
	data []byte
}

// Builder accumulates named payloads and writes them as one ZIP archive.
// Add is safe for concurrent use; entries keep the order in which Add was called.
type Builder struct {
	mu       sync.Mutex
	resolver *naming.EntryResolver
	entries  []entry
	done     bool
}

func NewBuilder() *Builder {
	return &Builder{resolver: naming.NewEntryResolver()}
}

// Add appends data under name, disambiguating the name if it is already used.
// It returns the name the entry was stored under.
func (b *Builder) Add(name string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return "", ErrAlreadySerialized
	}
	final := b.resolver.Resolve(name)
	b.entries = append(b.entries, entry{name: final, data: data})
	return final, nil
}

// Len returns the number of entries added so far.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Names returns entry names in archive order.
func (b *Builder) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.entries))
	for i, e := range b.entries {
		names[i] = e.name
	}
	return names
}

// Serialize writes every entry into a ZIP stream. It may be called once;
// entries are released afterwards. Modification times are left zero so
// the same entries always yield the same bytes.
func (b *Builder) Serialize() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return nil, ErrAlreadySerialized
	}
	b.done = true

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range b.entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate})
		if err != nil {
			return nil, &SerializationError{Entry: e.name, Err: err}
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, &SerializationError{Entry: e.name, Err: err}
		}
	}
	if err := zw.Close(); err != nil {
		return nil, &SerializationError{Err: err}
	}

	b.entries = nil
	return buf.Bytes(), nil
}
