package fluid

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeKeyFile(t *testing.T, keys []int32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, binary.Write(f, binary.LittleEndian, keys))
	require.NoError(t, f.Close())
	return path
}

func TestReadKeyFile(t *testing.T) {
	path := writeKeyFile(t, []int32{10, 20, 30, 40, 50})

	keys, err := ReadKeyFile(path, 0, 5)
	require.NoError(t, err)
	require.Equal(t, []int32{10, 20, 30, 40, 50}, keys)

	// Offset-addressable window.
	keys, err = ReadKeyFile(path, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []int32{30, 40}, keys)

	// Short file.
	_, err = ReadKeyFile(path, 0, 100)
	require.ErrorIs(t, err, ErrKeyFileShort)

	_, err = ReadKeyFile(filepath.Join(t.TempDir(), "nope.bin"), 0, 1)
	require.Error(t, err)
}

func TestKeyFileSource(t *testing.T) {
	path := writeKeyFile(t, []int32{7, 8, 9})
	src, err := NewKeyFileSource(path, 0, 3, 42, KeyDistUniform)
	require.NoError(t, err)

	require.Equal(t, "7", src.Key())
	require.Equal(t, "8", src.Key())
	require.Equal(t, "9", src.Key())
	// The stream wraps once exhausted.
	require.Equal(t, "7", src.Key())

	// Existing keys come from the already-emitted window.
	for i := 0; i < 20; i++ {
		k := src.ExistingKey()
		require.Contains(t, []string{"7", "8", "9"}, k)
	}
}

func TestKeyFileSourceZipf(t *testing.T) {
	keys := make([]int32, 100)
	for i := range keys {
		keys[i] = int32(i)
	}
	src, err := NewKeyFileSource(writeKeyFile(t, keys), 0, 100, 1, KeyDistZipf)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		src.Key()
	}
	for i := 0; i < 50; i++ {
		n, err := strconv.Atoi(src.ExistingKey())
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 0)
		require.Less(t, n, 100)
	}
}

func TestRandomKeySourceAvoidsGap(t *testing.T) {
	src := NewRandomKeySource()
	for i := 0; i < 1000; i++ {
		n, err := strconv.Atoi(src.Key())
		require.NoError(t, err)
		require.True(t, n < keyMiddleLeft || n >= keyMiddleRight, "key %d inside the gap", n)
	}
	for i := 0; i < 1000; i++ {
		n, err := strconv.Atoi(src.EmptyReadKey())
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, keyMiddleLeft)
		require.Less(t, n, keyMiddleRight)
	}
}

func TestKVPairFillsEntrySize(t *testing.T) {
	src := NewSequentialKeySource(0)
	for i := 0; i < 10; i++ {
		key, value := src.KVPair(128)
		require.Equal(t, 128, len(key)+len(value))
	}
}

func TestSequentialKeySourceUnique(t *testing.T) {
	src := NewSequentialKeySource(0)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		k := src.Key()
		require.False(t, seen[k])
		seen[k] = true
	}
}

func TestParseKeyDistribution(t *testing.T) {
	d, err := ParseKeyDistribution("zipf")
	require.NoError(t, err)
	require.Equal(t, KeyDistZipf, d)
	_, err = ParseKeyDistribution("bogus")
	require.Error(t, err)
}
