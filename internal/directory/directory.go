// Package directory holds the employee roster used to resolve classifier
// labels. The roster is read once before serving and never mutated, so
// lookups need no locking.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrLoad wraps any failure to read the roster from storage.
var ErrLoad = errors.New("directory: load failed")

// Employee is the read-only view of an employee that recognition reports.
type Employee struct {
	ID          int64
	No          string
	FullName    string
	EnglishName string
}

// Loader fetches the complete roster.
type Loader interface {
	LoadAllEmployees(ctx context.Context) ([]Employee, error)
}

// LoaderFunc adapts a plain function to Loader.
type LoaderFunc func(ctx context.Context) ([]Employee, error)

func (f LoaderFunc) LoadAllEmployees(ctx context.Context) ([]Employee, error) {
	return f(ctx)
}

// Cache is an immutable employee_no keyed index.
type Cache struct {
	byNo map[string]Employee
}

// Load reads the roster once. Employees with an empty number are skipped.
// Callers should treat an error as fatal.
func Load(ctx context.Context, loader Loader) (*Cache, error) {
	if loader == nil {
		return nil, fmt.Errorf("%w: no loader configured", ErrLoad)
	}
	employees, err := loader.LoadAllEmployees(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	return New(employees), nil
}

// New indexes employees by number.
func New(employees []Employee) *Cache {
	byNo := make(map[string]Employee, len(employees))
	for _, e := range employees {
		no := strings.TrimSpace(e.No)
		if no == "" {
			continue
		}
		e.No = no
		byNo[no] = e
	}
	return &Cache{byNo: byNo}
}

// Lookup resolves an employee number.
func (c *Cache) Lookup(no string) (Employee, bool) {
	if c == nil {
		return Employee{}, false
	}
	e, ok := c.byNo[no]
	return e, ok
}

// Len reports how many employees were loaded.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byNo)
}
