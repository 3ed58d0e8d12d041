// Package idgen mints and validates the time-ordered 128-bit identifiers
// used for inference_id and episode_id (spec data model: "IDs").
package idgen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Epoch is the fixed lower bound for valid IDs: anything claiming to be a
// v7 UUID with a timestamp before this is rejected.
var Epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// ClockSkewAllowance bounds how far into the future an ID's embedded
// timestamp may sit relative to wall-clock now before it is rejected; this
// absorbs the same clock-skew concern called out for migrations (spec §9).
const ClockSkewAllowance = 2 * time.Second

// New mints a fresh time-ordered ID (UUIDv7).
func New() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the global random source errors, which in
		// practice never happens; fall back to a v4 so callers never panic.
		return uuid.New()
	}

	return id
}

// Timestamp extracts the embedded unix-ms timestamp from a v7 UUID.
func Timestamp(id uuid.UUID) (time.Time, error) {
	if id.Version() != 7 {
		return time.Time{}, fmt.Errorf("%w: version %d", ErrNotV7, id.Version())
	}

	ms := int64(id[0])<<40 | int64(id[1])<<32 | int64(id[2])<<24 |
		int64(id[3])<<16 | int64(id[4])<<8 | int64(id[5])

	return time.UnixMilli(ms).UTC(), nil
}

// Validate enforces the "InvalidTensorzeroUuid" testable property: the ID
// must be a v7 UUID, timestamped between Epoch and now+ClockSkewAllowance.
func Validate(id uuid.UUID) error {
	if id.Version() != 7 {
		return fmt.Errorf("%w: version %d", ErrNotV7, id.Version())
	}

	ts, err := Timestamp(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	if ts.Before(Epoch) {
		return fmt.Errorf("%w: timestamp %s before epoch %s", ErrOutOfRange, ts, Epoch)
	}

	if ts.After(now.Add(ClockSkewAllowance)) {
		return fmt.Errorf("%w: timestamp %s is after now (%s)", ErrOutOfRange, ts, now)
	}

	return nil
}

// Parse validates and parses a string ID in one step.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	if err := Validate(id); err != nil {
		return uuid.Nil, err
	}

	return id, nil
}

var (
	// ErrNotV7 is returned when an ID is not a version-7 UUID.
	ErrNotV7 = fmt.Errorf("id is not a version 7 uuid")
	// ErrOutOfRange is returned when an ID's embedded timestamp falls
	// outside [Epoch, now+skew].
	ErrOutOfRange = fmt.Errorf("id timestamp out of range")
	// ErrMalformed is returned when an ID string does not parse as a UUID.
	ErrMalformed = fmt.Errorf("malformed uuid")
)
