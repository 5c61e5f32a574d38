package pending

import (
	"errors"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	t.Run("save then take", func(t *testing.T) {
		s := NewMemoryStore()
		if err := s.Save(SignIn{State: "st1", Verifier: "v1", Route: "/dashboard"}); err != nil {
			t.Fatal(err)
		}
		got, err := s.Take("st1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Route != "/dashboard" || got.Verifier != "v1" {
			t.Fatalf("Take returned %+v", got)
		}
	})

	t.Run("take is one-shot", func(t *testing.T) {
		s := NewMemoryStore()
		s.Save(SignIn{State: "st1"})
		if _, err := s.Take("st1"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Take("st1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second Take err = %v, want ErrNotFound", err)
		}
	})

	t.Run("unknown state", func(t *testing.T) {
		s := NewMemoryStore()
		if _, err := s.Take("nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("expired entry", func(t *testing.T) {
		s := NewMemoryStore()
		now := time.Now()
		s.now = func() time.Time { return now }
		s.Save(SignIn{State: "st1"})
		s.now = func() time.Time { return now.Add(DefaultTTL + time.Minute) }
		if _, err := s.Take("st1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound for expired entry", err)
		}
	})
}
