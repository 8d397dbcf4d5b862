package artifact

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

func errUnknownRef(ref Ref) error { return fmt.Errorf("unknown artifact ref %q", ref.Key) }

// Serializer names accepted by the filesystem backend.
const (
	SerializerGob  = "gob"
	SerializerJSON = "json"
)

// Filesystem writes one blob file per handle under a root directory. It
// retains no in-memory copy of stored values. The json serializer is
// restricted to JSON-compatible values; gob handles any registered
// concrete type.
type Filesystem struct {
	root       string
	serializer string
}

// NewFilesystem creates the store rooted at dir with the given serializer
// ("gob" or "json").
func NewFilesystem(dir, serializer string) (*Filesystem, error) {
	switch serializer {
	case "":
		serializer = SerializerGob
	case SerializerGob, SerializerJSON:
	default:
		return nil, &Error{Op: "init", Err: fmt.Errorf("unknown serializer %q", serializer)}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Op: "init", Err: err}
	}
	return &Filesystem{root: dir, serializer: serializer}, nil
}

type gobEnvelope struct {
	Value any
}

func (f *Filesystem) encode(value any) ([]byte, error) {
	if f.serializer == SerializerJSON {
		return json.Marshal(value)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobEnvelope{Value: value}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Filesystem) decode(data []byte) (any, error) {
	if f.serializer == SerializerJSON {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	var env gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, err
	}
	return env.Value, nil
}

// Put serializes value to a fresh blob file and returns its handle.
func (f *Filesystem) Put(value any) (Ref, error) {
	data, err := f.encode(value)
	if err != nil {
		return Ref{}, &Error{Op: "put", Err: err}
	}

	key := uuid.New().String()
	path := filepath.Join(f.root, key)

	tmp, err := os.CreateTemp(f.root, ".tmp-*")
	if err != nil {
		return Ref{}, &Error{Op: "put", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Ref{}, &Error{Op: "put", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Ref{}, &Error{Op: "put", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Ref{}, &Error{Op: "put", Err: err}
	}
	return Ref{Key: key}, nil
}

// Get reads and deserializes the blob for ref.
func (f *Filesystem) Get(ref Ref) (any, error) {
	data, err := os.ReadFile(filepath.Join(f.root, ref.Key))
	if err != nil {
		return nil, &Error{Op: "get", Err: errUnknownRef(ref)}
	}
	v, err := f.decode(data)
	if err != nil {
		return nil, &Error{Op: "get", Err: err}
	}
	return v, nil
}

// Delete removes the blob file for ref; deleting an unknown ref is a
// no-op.
func (f *Filesystem) Delete(ref Ref) error {
	err := os.Remove(filepath.Join(f.root, ref.Key))
	if err != nil && !os.IsNotExist(err) {
		return &Error{Op: "delete", Err: err}
	}
	return nil
}

// Len returns the number of blob files on disk.
func (f *Filesystem) Len() int {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == "" {
			n++
		}
	}
	return n
}
