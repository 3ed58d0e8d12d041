package idgen

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNew_IsValid(t *testing.T) {
	id := New()
	require.Equal(t, uuid.Version(7), id.Version())
	require.NoError(t, Validate(id))
}

func TestTimestamp_RoundTrips(t *testing.T) {
	id := New()

	ts, err := Timestamp(id)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), ts, 5*time.Second)
}

func TestValidate_RejectsWrongVersion(t *testing.T) {
	v4 := uuid.New()
	err := Validate(v4)
	require.ErrorIs(t, err, ErrNotV7)
}

func TestValidate_RejectsBeforeEpoch(t *testing.T) {
	id, err := uuid.NewV7()
	require.NoError(t, err)

	old := Epoch.Add(-24 * time.Hour)
	ms := old.UnixMilli()
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	err = Validate(id)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestValidate_RejectsFuture(t *testing.T) {
	id, err := uuid.NewV7()
	require.NoError(t, err)

	future := time.Now().Add(24 * time.Hour)
	ms := future.UnixMilli()
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	err = Validate(id)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestParse_RejectsMalformed(t *testing.T) {
	_, err := Parse("not-a-uuid")
	require.ErrorIs(t, err, ErrMalformed)
}
