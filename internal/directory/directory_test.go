package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestLoadIndexesByEmployeeNumber(t *testing.T) {
	calls := 0
	loader := LoaderFunc(func(context.Context) ([]Employee, error) {
		calls++
		return []Employee{
			{ID: 1, No: "E001", FullName: "Ada Lovelace", EnglishName: "Ada"},
			{ID: 2, No: " E002 ", FullName: "Alan Turing", EnglishName: "Alan"},
			{ID: 3, No: "", FullName: "Nobody"},
		}, nil
	})

	cache, err := Load(context.Background(), loader)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single load, got %d", calls)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 employees, got %d", cache.Len())
	}

	e, ok := cache.Lookup("E002")
	if !ok || e.ID != 2 || e.FullName != "Alan Turing" {
		t.Fatalf("unexpected lookup result: %+v ok=%v", e, ok)
	}
	if _, ok := cache.Lookup("E404"); ok {
		t.Fatalf("expected unknown number to be absent")
	}
}

func TestLoadFailureIsReported(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := Load(context.Background(), LoaderFunc(func(context.Context) ([]Employee, error) {
		return nil, boom
	}))
	if !errors.Is(err, ErrLoad) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped load error, got %v", err)
	}

	if _, err := Load(context.Background(), nil); !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad for nil loader, got %v", err)
	}
}

func TestConcurrentLookups(t *testing.T) {
	cache := New([]Employee{{ID: 9, No: "E009", FullName: "Grace Hopper"}})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, ok := cache.Lookup("E009"); !ok {
					t.Errorf("lookup failed")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestNilCacheIsEmpty(t *testing.T) {
	var cache *Cache
	if _, ok := cache.Lookup("E001"); ok {
		t.Fatalf("nil cache should not resolve")
	}
	if cache.Len() != 0 {
		t.Fatalf("nil cache should be empty")
	}
}
