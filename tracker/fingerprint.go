// Package tracker fingerprints chip blocks and keeps chains of incremental
// backups built from them.
//
// Change detection compares 64-bit FNV-1a checksums rather than block content,
// trading a negligible chance of missing a change for reading every block only
// once.
package tracker

import (
	"context"
	"hash/fnv"
	"sort"

	"github.com/dargueta/nandkit"
)

// Fingerprints maps block indexes to checksums.
type Fingerprints map[nandkit.BlockID]uint64

// Fingerprint returns the FNV-1a checksum of a block's content.
func Fingerprint(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

// FingerprintAll reads blocks [0, totalBlocks) and fingerprints each.
func FingerprintAll(ctx context.Context, totalBlocks uint32, read nandkit.BlockReader) (Fingerprints, error) {
	prints := make(Fingerprints, totalBlocks)
	for block := nandkit.BlockID(0); block < totalBlocks; block++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := read(ctx, block)
		if err != nil {
			return nil, err
		}
		prints[block] = Fingerprint(data)
	}
	return prints, nil
}

// Diff lists, in ascending order, the blocks whose checksum differs between
// `old` and `new`, including blocks present in only one of them.
func Diff(old, new Fingerprints) []nandkit.BlockID {
	var changed []nandkit.BlockID
	for block, checksum := range new {
		if previous, ok := old[block]; !ok || previous != checksum {
			changed = append(changed, block)
		}
	}
	for block := range old {
		if _, ok := new[block]; !ok {
			changed = append(changed, block)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed
}
