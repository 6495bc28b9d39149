package objectstore

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestObjectErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *ObjectError
		expected string
	}{
		{
			name:     "get not found",
			err:      &ObjectError{Op: "Get", Key: "archivist/music.eth.json.zst", Err: ErrNotFound},
			expected: `objectstore: Get "archivist/music.eth.json.zst": object not found`,
		},
		{
			name:     "put access denied",
			err:      &ObjectError{Op: "Put", Key: "archivist/news.eth.json.zst", Err: ErrAccessDenied},
			expected: `objectstore: Put "archivist/news.eth.json.zst": access denied`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestObjectErrorUnwrap(t *testing.T) {
	err := error(&ObjectError{Op: "Get", Key: "k", Err: ErrNotFound})

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected ErrNotFound")
	}
	if errors.Is(err, ErrAccessDenied) {
		t.Error("unexpected ErrAccessDenied")
	}
}

func TestMockStore_PutGetHead(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	meta := map[string]string{"board": "music.eth"}
	if err := s.Put(ctx, "k", []byte("hello"), PutOptions{ContentType: "text/plain", Metadata: meta}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// The stored metadata is a copy.
	meta["board"] = "changed"

	rc, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "hello" {
		t.Errorf("Get = %q, want hello", got)
	}

	info, err := s.Head(ctx, "k")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if info.Size != 5 || info.ContentType != "text/plain" || info.Metadata["board"] != "music.eth" {
		t.Errorf("unexpected meta %+v", info)
	}
	if info.LastModified.IsZero() {
		t.Error("expected LastModified")
	}
	if s.PutCount() != 1 {
		t.Errorf("PutCount = %d, want 1", s.PutCount())
	}
}

func TestMockStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	boom := errors.New("boom")
	s.FailPuts(boom)
	if err := s.Put(ctx, "k", nil, PutOptions{}); !errors.Is(err, boom) {
		t.Errorf("Put = %v, want boom", err)
	}
	s.FailPuts(nil)
	if err := s.Put(ctx, "k", nil, PutOptions{}); err != nil {
		t.Fatalf("Put after clearing failure: %v", err)
	}

	s.Close()
	if _, err := s.Head(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Head after Close = %v, want ErrClosed", err)
	}
	if err := s.Put(ctx, "k", nil, PutOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after Close = %v, want ErrClosed", err)
	}
}
