package hashtree

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRoot(t *testing.T, h *Hasher, content []byte) [DigestSize]byte {
	t.Helper()
	root, err := h.Root(context.Background(), bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	return root
}

func TestRoot_Empty(t *testing.T) {
	root := mustRoot(t, New(), nil)
	assert.Equal(t, sha256.Sum256(nil), root)
}

func TestRoot_SmallContentEqualsWholeHash(t *testing.T) {
	for _, size := range []int{1, 100, ChunkSize - 1, ChunkSize} {
		content := bytes.Repeat([]byte{0xAB}, size)
		root := mustRoot(t, New(), content)
		assert.Equal(t, sha256.Sum256(content), root, "size %d", size)
	}
}

func TestRoot_TwoLeaves(t *testing.T) {
	content := make([]byte, ChunkSize+512)
	for i := range content {
		content[i] = byte(i)
	}
	a := sha256.Sum256(content[:ChunkSize])
	b := sha256.Sum256(content[ChunkSize:])

	assert.Equal(t, hashPair(a, b), mustRoot(t, New(), content))
}

// Three leaves must compose as H(H(a||b) || H(c||c)), not H(H(a||b) || c):
// the unpaired digest pairs with itself.
func TestRoot_OddLeafSelfPairs(t *testing.T) {
	content := make([]byte, 2*ChunkSize+7)
	content[0] = 1
	content[ChunkSize] = 2
	content[2*ChunkSize] = 3

	a := sha256.Sum256(content[:ChunkSize])
	b := sha256.Sum256(content[ChunkSize : 2*ChunkSize])
	c := sha256.Sum256(content[2*ChunkSize:])

	want := hashPair(hashPair(a, b), hashPair(c, c))
	assert.Equal(t, want, mustRoot(t, New(), content))
}

func TestRoot_FiveLeaves(t *testing.T) {
	content := make([]byte, 4*ChunkSize+3)
	leaves := make([][DigestSize]byte, 5)
	for i := 0; i < 4; i++ {
		leaves[i] = sha256.Sum256(content[i*ChunkSize : (i+1)*ChunkSize])
	}
	leaves[4] = sha256.Sum256(content[4*ChunkSize:])

	l0 := hashPair(leaves[0], leaves[1])
	l1 := hashPair(leaves[2], leaves[3])
	l2 := hashPair(leaves[4], leaves[4])
	want := hashPair(hashPair(l0, l1), hashPair(l2, l2))

	assert.Equal(t, want, mustRoot(t, New(), content))
}

func TestRoot_DeterministicAcrossWorkerCounts(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("root independent of worker count", prop.ForAll(
		func(seed uint64, extra int) bool {
			// Contents span 2..5 leaves with a ragged tail.
			size := 2*ChunkSize + extra
			content := make([]byte, size)
			state := seed
			for i := range content {
				state = state*6364136223846793005 + 1442695040888963407
				content[i] = byte(state >> 56)
			}

			ref := mustRoot(t, New(WithWorkers(1)), content)
			for _, workers := range []int{2, 3, 8} {
				got := mustRoot(t, New(WithWorkers(workers)), content)
				if got != ref {
					return false
				}
			}
			return true
		},
		gen.UInt64(),
		gen.IntRange(1, 3*ChunkSize),
	))

	properties.TestingRun(t)
}

func TestRoot_ReadErrorAborts(t *testing.T) {
	broken := io.MultiReader(
		bytes.NewReader(make([]byte, ChunkSize)),
		iotest{},
	)
	_, err := New().Root(context.Background(), broken, 3*ChunkSize)

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, int64(ChunkSize), readErr.Offset)
}

func TestRoot_TruncatedContent(t *testing.T) {
	content := make([]byte, ChunkSize+10)
	_, err := New().Root(context.Background(), bytes.NewReader(content), 2*ChunkSize)

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type iotest struct{}

func (iotest) Read([]byte) (int, error) { return 0, errors.New("disk gone") }
