package dht

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestStorageExpiry(t *testing.T) {
	mock := clock.NewMock()
	s := NewStorage(mock, time.Hour, NullValidator{})

	key, value := []byte("cat"), []byte{1, 2, 3}
	if err := s.Put(key, value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, expiry, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("Get = %v, want %v", got, value)
	}
	if want := mock.Now().Add(time.Hour); !expiry.Equal(want) {
		t.Fatalf("expiry = %v, want %v", expiry, want)
	}

	// A read past the TTL misses.
	mock.Add(time.Hour + time.Second)
	if _, _, err := s.Get(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after TTL = %v, want ErrNotFound", err)
	}
}

func TestStorageGetMissing(t *testing.T) {
	s := NewStorage(clock.NewMock(), time.Hour, NullValidator{})
	if _, _, err := s.Get([]byte("absent")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

// rejectValidator refuses every write.
type rejectValidator struct{}

func (rejectValidator) Validate(key, value []byte) error {
	return fmt.Errorf("nope")
}

func (rejectValidator) Select(key []byte, values [][]byte) (int, error) {
	return 0, nil
}

func TestStorageValidationFailure(t *testing.T) {
	s := NewStorage(clock.NewMock(), time.Hour, rejectValidator{})
	err := s.Put([]byte("k"), []byte("v"))
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("Put = %v, want ErrValidationFailed", err)
	}
	if s.Size() != 0 {
		t.Fatal("rejected record was stored")
	}
}

// lastWinsValidator prefers the lexicographically larger value.
type lastWinsValidator struct{}

func (lastWinsValidator) Validate(key, value []byte) error { return nil }

func (lastWinsValidator) Select(key []byte, values [][]byte) (int, error) {
	best := 0
	for i, v := range values {
		if bytes.Compare(v, values[best]) > 0 {
			best = i
		}
	}
	return best, nil
}

func TestStorageSelectGatesReplacement(t *testing.T) {
	mock := clock.NewMock()
	s := NewStorage(mock, time.Hour, lastWinsValidator{})
	key := []byte("k")

	if err := s.Put(key, []byte("bbb")); err != nil {
		t.Fatal(err)
	}
	// A worse value does not replace the stored one.
	if err := s.Put(key, []byte("aaa")); err != nil {
		t.Fatal(err)
	}
	got, _, _ := s.Get(key)
	if !bytes.Equal(got, []byte("bbb")) {
		t.Fatalf("worse value replaced stored one: %q", got)
	}

	// A better value does.
	if err := s.Put(key, []byte("ccc")); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.Get(key)
	if !bytes.Equal(got, []byte("ccc")) {
		t.Fatalf("better value not stored: %q", got)
	}
}

func TestStorageSweep(t *testing.T) {
	mock := clock.NewMock()
	s := NewStorage(mock, time.Hour, NullValidator{})
	for i := 0; i < 4; i++ {
		_ = s.Put([]byte{byte(i)}, []byte("v"))
	}

	mock.Add(2 * time.Hour)
	s.sweepExpired()

	s.mu.Lock()
	n := len(s.records)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d dead records left after sweep", n)
	}
}
