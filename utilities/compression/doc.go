// Package compression shrinks chip dumps and backup layers.
//
// A freshly erased NAND chip reads back as nothing but 0xFF, and most dumps are
// largely erased space. Run-length encoding gets rid of almost all of it, and
// gzip on top of that takes care of whatever repetition is left in the
// programmed pages. That combination, [RLE8], is what dump files are written
// with since it can be streamed.
//
// The RLE8 scheme is the one from the BMP format: a byte that occurs N >= 2
// times in a row is written twice, followed by an unsigned byte giving how many
// more times it occurred, so a run of up to 257 bytes takes three. Longer runs
// are split. A byte occurring exactly twice costs three bytes.
//
//	A FFFFFFFFFF B
//	A FF FF 8 B
//
// Backup layers are compressed whole, in memory, with whichever [Algorithm] the
// backup store is configured for. [Zstd] gives the best ratio; [LZ4] is the
// fastest.
package compression
