// Package state provides the shared state layer: blocklist records, tarpit
// visit flags, request frequency windows, and hop counters. All components
// read and write through the Store interface so tests can run against the
// in-memory implementation.
package state

import (
	"context"
	"time"
)

// BlockRecord is the JSON value stored under a blocklist key.
type BlockRecord struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	Score     float64   `json:"score,omitempty"`
	Source    string    `json:"source,omitempty"` // component that wrote the block
	Timestamp time.Time `json:"timestamp_utc"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Frequency summarizes an IP's sliding request window. Count excludes the
// request being recorded; SincePrevious is the gap to the request before it.
type Frequency struct {
	Count         int64
	SincePrevious time.Duration
	HasPrevious   bool
}

// Store is the shared state contract. Implementations bound each call with
// their own timeout; callers decide whether an error fails open (reads on the
// hot path) or closed (enforcement writes).
type Store interface {
	// CheckBlock reports whether ip is currently blocked.
	CheckBlock(ctx context.Context, ip string) (*BlockRecord, bool, error)

	// PutBlock writes a block record. Re-blocking an already blocked IP
	// never shortens the remaining lifetime: the effective TTL is the
	// maximum of the remaining and requested TTLs, and is returned.
	PutBlock(ctx context.Context, rec BlockRecord, ttl time.Duration) (time.Duration, error)

	// RemoveBlock deletes a block record. Missing records are not an error.
	RemoveBlock(ctx context.Context, ip string) error

	// ListBlocks returns all live block records.
	ListBlocks(ctx context.Context) ([]BlockRecord, error)

	// MarkTarpit flags ip as currently inside the tarpit.
	MarkTarpit(ctx context.Context, ip string, ttl time.Duration) error

	// InTarpit reports whether ip carries a live tarpit flag.
	InTarpit(ctx context.Context, ip string) (bool, error)

	// RecordRequest adds a request at the given instant to ip's sliding
	// window and returns the window summary.
	RecordRequest(ctx context.Context, ip string, at time.Time, window time.Duration) (Frequency, error)

	// IncrHops increments ip's tarpit hop counter, starting the expiry
	// window on first increment, and returns the new count.
	IncrHops(ctx context.Context, ip string, window time.Duration) (int64, error)

	// Hops returns ip's current hop count without incrementing.
	Hops(ctx context.Context, ip string) (int64, error)

	Close() error
}

// Key space suffixes appended to the configured prefix.
const (
	keyBlock  = "blocklist:ip:"
	keyTarpit = "tarpit:flag:"
	keyFreq   = "freq:"
	keyHops   = "hops:"
)
