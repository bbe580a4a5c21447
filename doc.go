/*
Package garc implements a random-access reader for genome-collection
archives: compressed containers holding many genome assemblies (samples),
each made of named contigs, deduplicated across samples through reference
blocks and delta edit scripts.

The reader resolves a (sample, contig, start, end) window to the minimal
set of stored blocks, decodes only those, and reassembles the requested
bases. An opened Archive may be shared across goroutines.

Data Structure Documentation

Archive

An archive contains a fixed header, a series of data blocks, an index
region and an archive footer.

	Archive layout:
	+--------+---------+---------+---------+--------------+--------+
	| header | block 1 |   ...   | block n | index region | footer |
	+--------+---------+---------+---------+--------------+--------+

	Header (36 bytes):
	+-----------------+-----------------+-----------------+---------------------+-----------------+----------------------+
	| magic (8 bytes) | major (2 bytes) | minor (2 bytes) | blockSize (4 bytes) | flags (4 bytes) | archiveID (16 bytes) |
	+-----------------+-----------------+-----------------+---------------------+-----------------+----------------------+

	Footer (24 bytes):
	+------------------------+---------------------+-----------------+
	| index offset (8 bytes) | index sum (8 bytes) | magic (8 bytes) |
	+------------------------+---------------------+-----------------+

Index region

The index region is zstd-compressed as a whole; the footer's index sum
is the truncated BLAKE3 of the stored (compressed) bytes. It holds the
reference-block table followed by the sample table.

	Reference table entry (count-prefixed; parent present only for delta kinds):
	+------------------------+--------------------+-----------------+-------------+------------------+--------------------+
	| offset (varint, delta) | storedLen (varint) | rawLen (varint) | kind (byte) | parent (varint)  | checksum (8 bytes) |
	+------------------------+--------------------+-----------------+-------------+------------------+--------------------+

	Sample table:
	+----------------+---------------+-----------------------+---------------------+
	| count (varint) | name (varlen) | contig count (varint) | contig entries ...  |
	+----------------+---------------+-----------------------+---------------------+

	Contig entry:
	+---------------+-----------------+----------------------+--------------------+
	| name (varlen) | length (varint) | block count (varint) | block entries ...  |
	+---------------+-----------------+----------------------+--------------------+

	Block entry (refID present only for delta kinds):
	+------------------------+--------------------+---------------+-------------+-----------------+--------------------+
	| offset (varint, delta) | storedLen (varint) | span (varint) | kind (byte) | refID (varint)  | checksum (8 bytes) |
	+------------------------+--------------------+---------------+-------------+-----------------+--------------------+

Block

A stored block's payload is compressed with the codec named in the low
bits of its kind byte (raw, snappy, zstd or lz4). If the delta bit is
set, the decompressed payload is an edit script applied against the
decoded bytes of the named reference block:

	copy   0x01: refOff, len           append reference[refOff : refOff+len]
	insert 0x02: len, <len bytes>      append literal bytes
	subst  0x03: refOff, len, <bytes>  append literal bytes replacing a reference range
	end    0x00                        terminates the script
*/
package garc
