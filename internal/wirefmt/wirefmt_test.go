package wirefmt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestReaderRoundTrip(t *testing.T) {
	var b []byte
	b = AppendVarint(b, 1, 300)
	b = AppendString(b, 2, "addr")
	b = AppendBool(b, 3, true)
	b = AppendRepeatedBytes(b, 4, nil)
	b = AppendBytes(b, 5, []byte{7})

	r := NewReader(b)
	num, typ, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, protowire.Number(1), num)
	v, err := r.Varint(num, typ)
	require.NoError(t, err)
	require.Equal(t, uint64(300), v)

	num, typ, err = r.Next()
	require.NoError(t, err)
	s, err := r.String(num, typ)
	require.NoError(t, err)
	require.Equal(t, "addr", s)

	num, typ, err = r.Next()
	require.NoError(t, err)
	require.NoError(t, r.Skip(num, typ))

	num, typ, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, protowire.Number(4), num)
	empty, err := r.CopyBytes(num, typ)
	require.NoError(t, err)
	require.Empty(t, empty)

	num, typ, err = r.Next()
	require.NoError(t, err)
	raw, err := r.CopyBytes(num, typ)
	require.NoError(t, err)
	require.Equal(t, []byte{7}, raw)
	require.True(t, r.Done())
}

func TestAppendSkipsZeroValues(t *testing.T) {
	var b []byte
	b = AppendVarint(b, 1, 0)
	b = AppendString(b, 2, "")
	b = AppendBool(b, 3, false)
	b = AppendBytes(b, 4, nil)
	require.Empty(t, b)
	require.NotEmpty(t, AppendMessage(nil, 5, nil))
}

func TestReaderErrors(t *testing.T) {
	r := NewReader([]byte{0x0a, 0x05, 'a'})
	num, typ, err := r.Next()
	require.NoError(t, err)
	_, err = r.Bytes(num, typ)
	require.True(t, errors.Is(err, ErrMalformed))

	r = NewReader(AppendString(nil, 1, "x"))
	num, typ, err = r.Next()
	require.NoError(t, err)
	_, err = r.Varint(num, typ)
	require.True(t, errors.Is(err, ErrMalformed))

	_, _, err = NewReader([]byte{0x80}).Next()
	require.True(t, errors.Is(err, ErrMalformed))
}
