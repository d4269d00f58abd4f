package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimHash_IdenticalTextSameFingerprint(t *testing.T) {
	text := "the context cache indexes local markdown notes and PDFs"
	assert.Equal(t, SimHash(text), SimHash(text))
}

func TestSimHash_NearDuplicateTextIsClose(t *testing.T) {
	a := "the context cache indexes local markdown notes and PDFs for retrieval"
	b := "the context cache indexes local markdown notes and PDFs for search"
	assert.True(t, IsNearDuplicate(SimHash(a), SimHash(b)))
}

func TestSimHash_UnrelatedTextIsFar(t *testing.T) {
	a := "hybrid dense and sparse retrieval over watched files"
	b := "quarterly revenue grew across every regional sales office"
	assert.False(t, IsNearDuplicate(SimHash(a), SimHash(b)))
}

func TestHammingDistance_Zero(t *testing.T) {
	assert.Equal(t, 0, HammingDistance(42, 42))
}

func TestHammingDistance_AllBitsDiffer(t *testing.T) {
	assert.Equal(t, 64, HammingDistance(0, ^uint64(0)))
}

func TestFilterNearDuplicates_KeepsFirstOccurrence(t *testing.T) {
	texts := []string{
		"alpha beta gamma delta epsilon",
		"alpha beta gamma delta epsilon zeta",
		"completely unrelated sentence about whales",
	}
	kept := FilterNearDuplicates(texts)
	assert.Contains(t, kept, 0)
	assert.Contains(t, kept, 2)
	assert.NotContains(t, kept, 1)
}

func TestFilterNearDuplicates_EmptyInput(t *testing.T) {
	assert.Empty(t, FilterNearDuplicates(nil))
}

func TestSimHash_EmptyTextIsZero(t *testing.T) {
	assert.Equal(t, uint64(0), SimHash(""))
	assert.Equal(t, uint64(0), SimHash("   "))
}
