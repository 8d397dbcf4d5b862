package artifact

import (
	"errors"
	"testing"
)

func TestMemoryPutGetDelete(t *testing.T) {
	store := NewMemory()

	ref, err := store.Put([]any{1, 2, 3})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref.Key == "" {
		t.Fatal("empty ref key")
	}

	v, err := store.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := v.([]any); len(got) != 3 {
		t.Errorf("value = %v", got)
	}

	if err := store.Delete(ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ref); err == nil {
		t.Error("Get after Delete succeeded")
	}
	if store.Len() != 0 {
		t.Errorf("Len = %d after delete", store.Len())
	}
}

func TestMemoryUnknownRef(t *testing.T) {
	store := NewMemory()
	_, err := store.Get(Ref{Key: "missing"})
	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *artifact.Error", err)
	}
}

func TestFilesystemGobRoundTrip(t *testing.T) {
	store, err := NewFilesystem(t.TempDir(), SerializerGob)
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}

	ref, err := store.Put(map[string]any{"rows": []any{"a", "b"}})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, err := store.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("value type %T", v)
	}
	if rows := m["rows"].([]any); len(rows) != 2 || rows[0] != "a" {
		t.Errorf("rows = %v", rows)
	}
}

func TestFilesystemJSONRoundTrip(t *testing.T) {
	store, err := NewFilesystem(t.TempDir(), SerializerJSON)
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}

	ref, err := store.Put([]any{1.0, 2.0})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := store.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := v.([]any); got[1] != 2.0 {
		t.Errorf("value = %v", got)
	}
}

func TestFilesystemJSONRejectsUnserializable(t *testing.T) {
	store, err := NewFilesystem(t.TempDir(), SerializerJSON)
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	if _, err := store.Put(make(chan int)); err == nil {
		t.Fatal("Put(chan) succeeded")
	}
}

func TestFilesystemUnknownSerializer(t *testing.T) {
	if _, err := NewFilesystem(t.TempDir(), "msgpack"); err == nil {
		t.Fatal("unknown serializer accepted")
	}
}

func TestFilesystemDeleteIdempotent(t *testing.T) {
	store, err := NewFilesystem(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	ref, _ := store.Put("x")
	if err := store.Delete(ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ref); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestFilesystemLen(t *testing.T) {
	store, err := NewFilesystem(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	store.Put("a")
	store.Put("b")
	if got := store.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}
