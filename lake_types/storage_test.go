package lake_types

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCastValue(t *testing.T) {
	v, err := CastValue(42.0, Of(SmallInt))
	require.NoError(t, err)
	assert.Equal(t, int16(42), v)

	v, err = CastValue("3.14159", NewDecimal(5, 2))
	require.NoError(t, err)
	assert.Equal(t, "3.14", v)

	_, err = CastValue("12345.6", NewDecimal(5, 2))
	assert.ErrorIs(t, err, ErrInvalidValue)

	v, err = CastValue("2024-03-05T10:11:12Z", Of(Date))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), v)

	v, err = CastValue("10:30:00", Of(Time))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Hour+30*time.Minute, v)

	_, err = CastValue("not-a-uuid", Of(UUID))
	assert.ErrorIs(t, err, ErrInvalidValue)

	v, err = CastValue(map[string]any{"a": 1}, JSON())
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)

	v, err = CastValue(nil, Of(BigInt))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestStoredRoundTrip(t *testing.T) {
	ts := time.Date(2023, 12, 31, 23, 59, 58, 123456000, time.UTC)
	cases := []struct {
		lt  LogicalType
		val any
	}{
		{Of(Boolean), true},
		{Of(TinyInt), int8(-5)},
		{Of(UInteger), uint32(4000000000)},
		{Of(UBigInt), uint64(18000000000000000000)},
		{Of(Double), 1.5},
		{NewDecimal(10, 3), "-12.500"},
		{Of(HugeInt), new(big.Int).Lsh(big.NewInt(1), 100)},
		{Of(Date), time.Date(1969, 7, 20, 0, 0, 0, 0, time.UTC)},
		{Of(Time), 13*time.Hour + 5*time.Second},
		{Of(Timestamp), ts},
		{Of(TimestampMS), ts.Truncate(time.Millisecond)},
		{Of(TimestampNS), ts},
		{Of(TimestampS), ts.Truncate(time.Second)},
		{Of(Varchar), "hello"},
		{Of(Blob), []byte{0, 1, 2}},
		{NewList(Of(Integer)), []any{float64(1), float64(2)}},
	}
	for _, c := range cases {
		stored, err := ToStored(c.val, c.lt)
		require.NoError(t, err, c.lt.String())
		back, err := FromStored(&stored, c.lt)
		require.NoError(t, err, c.lt.String())
		assert.Equal(t, c.val, back, c.lt.String())
	}
}
