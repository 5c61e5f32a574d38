package credential_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/credential"
	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/identity"
)

func TestStore(t *testing.T) {
	t.Run("empty store returns nil", func(t *testing.T) {
		s := credential.New()
		if s.Get() != nil {
			t.Fatal("expected nil from empty store")
		}
	})

	t.Run("set then get", func(t *testing.T) {
		s := credential.New()
		id := &identity.ProviderIdentity{UID: "u1", Email: "u1@example.com"}
		s.Set(id)
		if got := s.Get(); got != id {
			t.Fatalf("Get = %+v, want the stored identity", got)
		}
	})

	t.Run("clear drops identity", func(t *testing.T) {
		s := credential.New()
		s.Set(&identity.ProviderIdentity{UID: "u1", Email: "u1@example.com"})
		s.Clear()
		if s.Get() != nil {
			t.Fatal("expected nil after Clear")
		}
	})
}

// Readers racing a supersede must always see a complete identity: either
// the old one or the new one, with UID and Email from the same write.
func TestStoreAtomicSupersede(t *testing.T) {
	s := credential.New()
	s.Set(&identity.ProviderIdentity{UID: "u0", Email: "u0@example.com"})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 1000; i++ {
			uid := fmt.Sprintf("u%d", i)
			s.Set(&identity.ProviderIdentity{UID: uid, Email: uid + "@example.com"})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				id := s.Get()
				if id == nil {
					t.Error("reader saw nil during supersede")
					return
				}
				if id.Email != id.UID+"@example.com" {
					t.Errorf("torn read: uid=%s email=%s", id.UID, id.Email)
					return
				}
			}
		}()
	}

	wg.Wait()
}
