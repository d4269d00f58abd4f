// Package dedup implements C6: content-addressed deduplication. File-level
// dedup is the store's sha256-match-on-upsert gate (see
// store.SQLiteStore.UpsertDocument); this package adds the finer-grained
// chunk-level pass: within the chunk list of one newly stored document,
// a chunk whose fingerprint is near-identical to an earlier chunk in that
// same list is dropped before the chunks are inserted and embedded.
package dedup

import (
	"sort"
	"strings"
	"unicode"
)

// shingleSize is the word-gram width SimHash shingles over.
const shingleSize = 4

// SimHash computes a 64-bit locality-sensitive fingerprint over a chunk's
// normalized word-shingles: texts that share most of their shingles hash
// to fingerprints with a small Hamming distance, unlike a cryptographic
// hash where one changed word flips the whole digest.
func SimHash(text string) uint64 {
	shingles := wordShingles(normalize(text), shingleSize)
	if len(shingles) == 0 {
		return 0
	}

	var weights [64]int
	for _, sh := range shingles {
		h := fnvHash64(sh)
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var out uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			out |= 1 << uint(bit)
		}
	}
	return out
}

// HammingDistance returns the number of differing bits between two
// fingerprints.
func HammingDistance(a, b uint64) int {
	x := a ^ b
	count := 0
	for x != 0 {
		count++
		x &= x - 1
	}
	return count
}

// NearDuplicateThreshold is the maximum Hamming distance (out of 64 bits)
// at which two chunks are considered near-duplicates.
const NearDuplicateThreshold = 3

// IsNearDuplicate reports whether two fingerprints are within
// NearDuplicateThreshold bits of each other.
func IsNearDuplicate(a, b uint64) bool {
	return HammingDistance(a, b) <= NearDuplicateThreshold
}

// FilterNearDuplicates returns the indices of texts (in order) that are
// not near-duplicates of any earlier text in the slice, keeping the first
// occurrence of each near-duplicate cluster.
func FilterNearDuplicates(texts []string) []int {
	var kept []uint64
	var keepIdx []int
	for i, t := range texts {
		fp := SimHash(t)
		dup := false
		for _, k := range kept {
			if IsNearDuplicate(fp, k) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, fp)
			keepIdx = append(keepIdx, i)
		}
	}
	return keepIdx
}

func normalize(text string) string {
	var b strings.Builder
	lastWasSpace := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastWasSpace = false
		} else if !lastWasSpace {
			b.WriteRune(' ')
			lastWasSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

func wordShingles(text string, n int) []string {
	words := strings.Fields(text)
	if len(words) < n {
		if len(words) == 0 {
			return nil
		}
		return []string{strings.Join(words, " ")}
	}
	shingles := make([]string, 0, len(words)-n+1)
	for i := 0; i <= len(words)-n; i++ {
		shingles = append(shingles, strings.Join(words[i:i+n], " "))
	}
	return shingles
}

// fnvHash64 is an inline FNV-1a over a string, kept local to avoid a
// second import of hash/fnv purely for one call site.
func fnvHash64(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// SortByFingerprint is a small helper used by tests to assert deterministic
// ordering of fingerprints independent of map iteration order.
func SortByFingerprint(fps []uint64) {
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })
}
