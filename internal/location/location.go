package location

import (
	"sync"
	"time"
)

// Location is a best-effort position fix attached to saved photos.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider exposes the latest known location. Absence is not an error; the
// second return is false when no fix has ever been recorded.
type Provider interface {
	Latest() (Location, bool)
}

// Cache is a Provider fed by whatever positioning source the deployment has
// (a fixed rig position from config, or updates pushed over the control API).
type Cache struct {
	mu  sync.Mutex
	loc *Location
}

// NewCache returns an empty cache with no known location.
func NewCache() *Cache {
	return &Cache{}
}

// NewFixed returns a cache pre-seeded with a static position.
func NewFixed(lat, lon float64) *Cache {
	c := &Cache{}
	c.Set(lat, lon)
	return c
}

// Set records a new fix, stamped now.
func (c *Cache) Set(lat, lon float64) {
	c.mu.Lock()
	c.loc = &Location{Latitude: lat, Longitude: lon, Timestamp: time.Now()}
	c.mu.Unlock()
}

// Latest returns the most recent fix, if any.
func (c *Cache) Latest() (Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loc == nil {
		return Location{}, false
	}
	return *c.loc, true
}
