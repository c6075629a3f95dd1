package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDictionary(t *testing.T) {
	// {"a": {"id": "abcdefghij0123456789"}, "q": "ping", "y": "q"}
	raw := []byte("d1:ad2:id20:abcdefghij0123456789e1:q4:ping1:y1:qe")

	v, n, ok := Parse(raw)
	require.True(t, ok)
	assert.Equal(t, len(raw), n)
	require.Equal(t, KindDict, v.Kind)
	require.Len(t, v.Dict, 3)
	assert.Equal(t, "a", string(v.Dict[0].Key))
	assert.Equal(t, "q", string(v.Dict[1].Key))
	assert.Equal(t, "ping", string(v.Dict[1].Value.Bytes))
}

func TestParseIntegerAndList(t *testing.T) {
	v, n, ok := Parse([]byte("li42ei-7e4:spame"))
	require.True(t, ok)
	assert.Equal(t, 16, n)
	require.Equal(t, KindList, v.Kind)
	require.Len(t, v.List, 3)
	assert.Equal(t, int64(42), v.List[0].Integer)
	assert.Equal(t, int64(-7), v.List[1].Integer)
	assert.Equal(t, "spam", string(v.List[2].Bytes))
}

func TestParseMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("i42"),        // unterminated integer
		[]byte("5:ab"),       // short byte string
		[]byte("d1:a"),       // unterminated dict
		[]byte("ixe"),        // non-digit integer
		[]byte("l" + "l" + "l" + "l" + "l"), // unterminated nesting
	}
	for _, c := range cases {
		_, _, ok := Parse(c)
		assert.False(t, ok, "%q", c)
	}
}

func TestParseDepthBound(t *testing.T) {
	deep := make([]byte, 0, 64)
	for i := 0; i < 24; i++ {
		deep = append(deep, 'l')
	}
	for i := 0; i < 24; i++ {
		deep = append(deep, 'e')
	}
	_, _, ok := Parse(deep)
	assert.False(t, ok)
}

func TestAppendJSON(t *testing.T) {
	v, _, ok := Parse([]byte("d1:q4:ping3:key2:\x01\x02e"))
	require.True(t, ok)

	out := v.AppendJSON(nil)
	assert.Equal(t, `{"q":"ping","key":"0x0102"}`, string(out))
}
