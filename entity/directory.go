package entity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Directory is an in-memory entity directory used by the memory storage
// driver and in tests. It starts with the nationwide bureaus.
type Directory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// Nationwide lists the bureaus seeded into every directory.
var Nationwide = []Profile{
	{ID: "equifax", Name: "Equifax", Type: TypeBureau},
	{ID: "experian", Name: "Experian", Type: TypeBureau},
	{ID: "transunion", Name: "TransUnion", Type: TypeBureau},
}

func NewDirectory(extra ...Profile) *Directory {
	d := &Directory{profiles: make(map[string]Profile, len(Nationwide)+len(extra))}
	for _, p := range append(append([]Profile(nil), Nationwide...), extra...) {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		}
		d.profiles[NormalizeName(p.Name)] = p
	}
	return d
}

func (d *Directory) GetByName(_ context.Context, name string) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[NormalizeName(name)]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (d *Directory) List(_ context.Context, kind Type, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Profile, 0, len(d.profiles))
	for _, p := range d.profiles {
		if kind != "" && p.Type != kind {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
