package stores_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgmanager/borgmanager/pkg/stores"
)

func TestRow(t *testing.T) {
	stamp := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	row := stores.Row{int64(7), "42", []byte("text"), 2.5, nil, stamp.Format(time.RFC3339Nano), int64(0)}

	t.Run("Should coerce integers", func(t *testing.T) {
		n, err := row.Int64(0)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)

		n, err = row.Int64(1)
		require.NoError(t, err)
		assert.Equal(t, int64(42), n)

		_, err = row.Int64(3)
		assert.Error(t, err, "2.5 is not an integer")
	})

	t.Run("Should coerce strings", func(t *testing.T) {
		s, err := row.String(2)
		require.NoError(t, err)
		assert.Equal(t, "text", s)

		s, err = row.String(0)
		require.NoError(t, err)
		assert.Equal(t, "7", s)
	})

	t.Run("Should coerce floats", func(t *testing.T) {
		f, err := row.Float64(3)
		require.NoError(t, err)
		assert.InDelta(t, 2.5, f, 1e-9)

		f, err = row.Float64(0)
		require.NoError(t, err)
		assert.InDelta(t, 7.0, f, 1e-9)
	})

	t.Run("Should parse stored times", func(t *testing.T) {
		got, err := row.Time(5)
		require.NoError(t, err)
		assert.True(t, stamp.Equal(got))

		got, err = stores.Row{"2024-03-01 10:30:00"}.Time(0)
		require.NoError(t, err)
		assert.True(t, stamp.Equal(got))
	})

	t.Run("Should read booleans from integers", func(t *testing.T) {
		b, err := row.Bool(6)
		require.NoError(t, err)
		assert.False(t, b)
	})

	t.Run("Should fail on NULL and out of range columns", func(t *testing.T) {
		assert.True(t, row.IsNull(4))
		_, err := row.String(4)
		assert.Error(t, err)
		_, err = row.Int64(len(row))
		assert.Error(t, err)
		_, err = row.Value(-1)
		assert.Error(t, err)
	})
}
