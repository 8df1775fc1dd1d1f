package fluid

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/zhangyunhao116/fastrand"
)

// Key domain for synthetic load. Generated keys avoid the middle band so
// that a read inside the band is guaranteed empty while staying in-domain.
const (
	keyDomain      = 1_000_000_000
	keyMiddleLeft  = 400_000_000
	keyMiddleRight = 600_000_000
)

// KeyDistribution selects how keys are drawn from a loaded key window.
type KeyDistribution int

const (
	KeyDistUniform KeyDistribution = iota
	KeyDistZipf
)

// String returns the string representation of KeyDistribution
func (d KeyDistribution) String() string {
	switch d {
	case KeyDistUniform:
		return "uniform"
	case KeyDistZipf:
		return "zipf"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

// ParseKeyDistribution parses a string into KeyDistribution
func ParseKeyDistribution(s string) (KeyDistribution, error) {
	switch s {
	case "uniform":
		return KeyDistUniform, nil
	case "zipf":
		return KeyDistZipf, nil
	default:
		return KeyDistUniform, fmt.Errorf("invalid key distribution: %s (must be 'uniform' or 'zipf')", s)
	}
}

// KeySource produces keys and values for synthetic load.
type KeySource interface {
	// Key returns the next key to write.
	Key() string
	// EmptyReadKey returns a key for an empty point read. The random and
	// key-file sources draw it from the middle band of the key domain; the
	// sequential source returns a key past the domain, above every key it
	// emits.
	EmptyReadKey() string
	// ExistingKey returns a key that was previously produced by Key.
	ExistingKey() string
	// Value returns a value of exactly size bytes.
	Value(size int) string
	// KVPair returns a key and a value padded so that the pair totals
	// entrySize bytes.
	KVPair(entrySize int) (string, string)
}

func paddedValue(size int) string {
	if size <= 0 {
		return ""
	}
	return strings.Repeat("a", size)
}

func makeKVPair(src KeySource, entrySize int) (string, string) {
	key := src.Key()
	return key, src.Value(entrySize - len(key))
}

// RandomKeySource draws uniform keys from the two halves of the key
// domain outside the middle band.
type RandomKeySource struct{}

// NewRandomKeySource returns a source of uniformly random keys.
func NewRandomKeySource() *RandomKeySource { return &RandomKeySource{} }

// Key implements KeySource.
func (g *RandomKeySource) Key() string {
	if fastrand.Uint32n(2) == 0 {
		return fmt.Sprintf("%d", fastrand.Uint32n(keyMiddleLeft))
	}
	return fmt.Sprintf("%d", keyMiddleRight+fastrand.Uint32n(keyDomain-keyMiddleRight))
}

// EmptyReadKey implements KeySource.
func (g *RandomKeySource) EmptyReadKey() string {
	return fmt.Sprintf("%d", keyMiddleLeft+fastrand.Uint32n(keyMiddleRight-keyMiddleLeft))
}

// ExistingKey implements KeySource. A purely random source cannot replay
// its history; it returns another in-domain key.
func (g *RandomKeySource) ExistingKey() string { return g.Key() }

// Value implements KeySource.
func (g *RandomKeySource) Value(size int) string { return paddedValue(size) }

// KVPair implements KeySource.
func (g *RandomKeySource) KVPair(entrySize int) (string, string) { return makeKVPair(g, entrySize) }

// SequentialKeySource emits zero-padded consecutive integer keys. Every key
// is unique, which makes loaded entry counts exact.
type SequentialKeySource struct {
	next int
}

// NewSequentialKeySource returns a source counting up from start.
func NewSequentialKeySource(start int) *SequentialKeySource {
	return &SequentialKeySource{next: start}
}

// Key implements KeySource.
func (g *SequentialKeySource) Key() string {
	key := fmt.Sprintf("%09d", g.next)
	g.next++
	return key
}

// EmptyReadKey implements KeySource.
func (g *SequentialKeySource) EmptyReadKey() string {
	return fmt.Sprintf("%09d", g.next+keyDomain)
}

// ExistingKey implements KeySource.
func (g *SequentialKeySource) ExistingKey() string {
	if g.next == 0 {
		return g.Key()
	}
	return fmt.Sprintf("%09d", fastrand.Uint32n(uint32(g.next)))
}

// Value implements KeySource.
func (g *SequentialKeySource) Value(size int) string { return paddedValue(size) }

// KVPair implements KeySource.
func (g *SequentialKeySource) KVPair(entrySize int) (string, string) { return makeKVPair(g, entrySize) }

// ReadKeyFile loads numKeys 32-bit little-endian integers from the window
// starting at offset (in keys, not bytes).
func ReadKeyFile(path string, offset, numKeys int) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open key file %s", path)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(int64(offset)*4, io.SeekStart); err != nil {
			return nil, errors.Wrapf(err, "seek key file %s", path)
		}
	}
	keys := make([]int32, numKeys)
	if err := binary.Read(f, binary.LittleEndian, keys); err != nil {
		return nil, errors.Wrapf(ErrKeyFileShort, "%s: %v", path, err)
	}
	return keys, nil
}

// KeyFileSource replays keys from a pre-generated key file. New keys come
// out sequentially; existing keys are re-drawn from the already-emitted
// prefix under a uniform or Zipf distribution.
type KeyFileSource struct {
	keys []int32
	next int
	dist KeyDistribution
	rng  *rand.Rand
	zipf *rand.Zipf
}

// NewKeyFileSource loads the window [offset, offset+numKeys) of the key
// file at path.
func NewKeyFileSource(path string, offset, numKeys int, seed int64, dist KeyDistribution) (*KeyFileSource, error) {
	if numKeys <= 0 {
		return nil, errors.Errorf("key window must be positive, got %d", numKeys)
	}
	keys, err := ReadKeyFile(path, offset, numKeys)
	if err != nil {
		return nil, err
	}
	src := &KeyFileSource{
		keys: keys,
		dist: dist,
		rng:  rand.New(rand.NewSource(seed)),
	}
	if dist == KeyDistZipf {
		src.zipf = rand.NewZipf(src.rng, 1.1, 1, uint64(len(keys)-1))
	}
	return src, nil
}

// Key implements KeySource.
func (g *KeyFileSource) Key() string {
	key := g.keys[g.next%len(g.keys)]
	g.next++
	return fmt.Sprintf("%d", key)
}

// EmptyReadKey implements KeySource.
func (g *KeyFileSource) EmptyReadKey() string {
	return fmt.Sprintf("%d", keyMiddleLeft+g.rng.Intn(keyMiddleRight-keyMiddleLeft))
}

// ExistingKey implements KeySource.
func (g *KeyFileSource) ExistingKey() string {
	seen := g.next
	if seen > len(g.keys) {
		seen = len(g.keys)
	}
	if seen == 0 {
		return g.Key()
	}
	var idx int
	if g.dist == KeyDistZipf {
		idx = int(g.zipf.Uint64()) % seen
	} else {
		idx = g.rng.Intn(seen)
	}
	return fmt.Sprintf("%d", g.keys[idx])
}

// Value implements KeySource.
func (g *KeyFileSource) Value(size int) string { return paddedValue(size) }

// KVPair implements KeySource.
func (g *KeyFileSource) KVPair(entrySize int) (string, string) { return makeKVPair(g, entrySize) }
