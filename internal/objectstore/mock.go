package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

// MockStore keeps objects in memory. Tests use it in place of S3.
type MockStore struct {
	mu      sync.RWMutex
	objects map[string]mockObject
	putErr  error
	puts    int
	closed  bool
	now     func() time.Time
}

type mockObject struct {
	data []byte
	meta ObjectMeta
}

func NewMockStore() *MockStore {
	return &MockStore{
		objects: make(map[string]mockObject),
		now:     time.Now,
	}
}

// FailPuts makes subsequent puts return err. Pass nil to clear.
func (s *MockStore) FailPuts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = err
}

// PutCount returns the number of successful puts.
func (s *MockStore) PutCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Keys returns the stored keys in order.
func (s *MockStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MockStore) Put(_ context.Context, key string, data []byte, opts PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &ObjectError{Op: "Put", Key: key, Err: ErrClosed}
	}
	if s.putErr != nil {
		return &ObjectError{Op: "Put", Key: key, Err: s.putErr}
	}

	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	s.objects[key] = mockObject{
		data: append([]byte(nil), data...),
		meta: ObjectMeta{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  opts.ContentType,
			LastModified: s.now(),
			Metadata:     meta,
		},
	}
	s.puts++
	return nil
}

func (s *MockStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.lookup("Get", key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MockStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	obj, err := s.lookup("Head", key)
	if err != nil {
		return ObjectMeta{}, err
	}
	return obj.meta, nil
}

func (s *MockStore) lookup(op, key string) (mockObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return mockObject{}, &ObjectError{Op: op, Key: key, Err: ErrClosed}
	}
	obj, ok := s.objects[key]
	if !ok {
		return mockObject{}, &ObjectError{Op: op, Key: key, Err: ErrNotFound}
	}
	return obj, nil
}

func (s *MockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
