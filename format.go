package garc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

type header struct {
	major     uint16
	minor     uint16
	blockSize int
	archiveID uuid.UUID
}

// blockRef describes one stored contig block.
type blockRef struct {
	offset    int64  // byte offset in the archive
	storedLen int    // stored (compressed) length in bytes
	start     int    // first base covered within the contig
	span      int    // number of bases covered
	kind      byte   // codec bits + delta flag
	refID     uint32 // reference block, valid for delta kinds
	checksum  uint64 // truncated BLAKE3 of the decoded bases
}

// refBlock describes one entry of the reference-block table.
type refBlock struct {
	offset    int64
	storedLen int
	rawLen    int
	kind      byte
	parent    int32 // -1 for literal references
	checksum  uint64
}

type contigInfo struct {
	name   string
	length int
	blocks []blockRef
}

type sampleInfo struct {
	name    string
	contigs []contigInfo
	byName  map[string]int
}

// archiveIndex is the in-memory index and metadata store, built once
// during Open and immutable afterwards.
type archiveIndex struct {
	hdr     header
	refs    []refBlock
	samples []sampleInfo
	byName  map[string]int
	dataEnd int64 // start of the index region; all blocks end before it
}

func (x *archiveIndex) sample(name string) (*sampleInfo, error) {
	n, ok := x.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSampleNotFound, name)
	}
	return &x.samples[n], nil
}

func (x *archiveIndex) contig(sample, contig string) (*contigInfo, error) {
	s, err := x.sample(sample)
	if err != nil {
		return nil, err
	}
	n, ok := s.byName[contig]
	if !ok {
		return nil, fmt.Errorf("%w: %q in sample %q", ErrContigNotFound, contig, sample)
	}
	return &s.contigs[n], nil
}

// zstdDecoder is shared across the package. The index region and
// zstd-coded blocks go through it; zstd.Decoder is safe for concurrent
// use via DecodeAll.
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic("garc: zstd decoder initialization failed: " + err.Error())
	}
}

func parseHeader(buf []byte) (header, error) {
	var hdr header
	if len(buf) < headerLen || !bytes.Equal(buf[:8], magic) {
		return hdr, ErrCorruptHeader
	}

	hdr.major = binary.LittleEndian.Uint16(buf[8:])
	hdr.minor = binary.LittleEndian.Uint16(buf[10:])
	if hdr.major != versionMajor {
		return hdr, fmt.Errorf("%w: archive is v%d.%d, reader supports v%d", ErrUnsupportedVersion, hdr.major, hdr.minor, versionMajor)
	}

	hdr.blockSize = int(binary.LittleEndian.Uint32(buf[12:]))
	if hdr.blockSize < 1 {
		return hdr, fmt.Errorf("%w: zero block size", ErrCorruptHeader)
	}
	if flags := binary.LittleEndian.Uint32(buf[16:]); flags != 0 {
		return hdr, fmt.Errorf("%w: reserved flags set", ErrCorruptHeader)
	}
	copy(hdr.archiveID[:], buf[20:36])
	return hdr, nil
}

// readIndex reads and validates the full archive index: header, footer,
// reference table and sample/contig/block tables.
func readIndex(r io.ReaderAt, size int64) (*archiveIndex, error) {
	if size < headerLen+footerLen {
		return nil, fmt.Errorf("%w: archive truncated", ErrCorruptHeader)
	}

	buf := make([]byte, headerLen)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("garc: read header: %w", err)
	}
	hdr, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}

	// footer
	buf = make([]byte, footerLen)
	if _, err := r.ReadAt(buf, size-footerLen); err != nil {
		return nil, fmt.Errorf("garc: read footer: %w", err)
	}
	if !bytes.Equal(buf[16:24], magic) {
		return nil, fmt.Errorf("%w: bad footer magic", ErrCorruptHeader)
	}
	indexOffset := int64(binary.LittleEndian.Uint64(buf[0:]))
	indexSum := binary.LittleEndian.Uint64(buf[8:])
	if indexOffset < headerLen || indexOffset > size-footerLen {
		return nil, fmt.Errorf("%w: index offset %d out of range", ErrCorruptIndex, indexOffset)
	}

	// stored index region
	stored := make([]byte, size-footerLen-indexOffset)
	if _, err := r.ReadAt(stored, indexOffset); err != nil {
		return nil, fmt.Errorf("garc: read index: %w", err)
	}
	if sum64(stored) != indexSum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptIndex)
	}
	plain, err := zstdDecoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}

	x := &archiveIndex{hdr: hdr, dataEnd: indexOffset}
	if err := x.parse(bytes.NewReader(plain)); err != nil {
		return nil, err
	}
	return x, nil
}

func (x *archiveIndex) parse(br *bytes.Reader) error {
	if err := x.parseRefs(br); err != nil {
		return err
	}
	if err := x.parseSamples(br); err != nil {
		return err
	}
	if br.Len() != 0 {
		return fmt.Errorf("%w: %d trailing index bytes", ErrCorruptIndex, br.Len())
	}
	return nil
}

// Minimum serialized sizes per index entry, used to bound declared
// counts by the bytes actually present.
const (
	refEntryMin    = 12 // offset + storedLen + rawLen + kind + checksum
	blockEntryMin  = 12 // offset + storedLen + span + kind + checksum
	sampleEntryMin = 3  // name length + name + contig count
	contigEntryMin = 4  // name length + name + length + block count
)

func (x *archiveIndex) parseRefs(br *bytes.Reader) error {
	count, err := readEntryCount(br, refEntryMin)
	if err != nil {
		return err
	}

	x.refs = make([]refBlock, 0, count)
	var offset int64
	for i := 0; i < count; i++ {
		delta, err := binary.ReadUvarint(br)
		if err != nil {
			return fmt.Errorf("%w: reference table truncated", ErrCorruptIndex)
		}
		offset += int64(delta)

		ref := refBlock{offset: offset, parent: -1}
		if ref.storedLen, err = readCount(br); err != nil {
			return err
		}
		if ref.rawLen, err = readCount(br); err != nil {
			return err
		}
		kind, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: reference table truncated", ErrCorruptIndex)
		}
		ref.kind = kind
		if kind&^(codecMask|kindDelta) != 0 || kind&codecMask > codecLZ4 {
			return fmt.Errorf("%w: bad reference kind %#x", ErrCorruptIndex, kind)
		}
		if kind&kindDelta != 0 {
			parent, err := binary.ReadUvarint(br)
			if err != nil {
				return fmt.Errorf("%w: reference table truncated", ErrCorruptIndex)
			}
			// stored as refID+1; must point at an earlier entry
			if parent == 0 || int(parent-1) >= i {
				return fmt.Errorf("%w: reference %d has invalid parent", ErrCorruptIndex, i)
			}
			ref.parent = int32(parent - 1)
		}
		if ref.checksum, err = readSum(br); err != nil {
			return err
		}

		if ref.rawLen < 1 || ref.storedLen < 1 || ref.offset < headerLen || ref.offset+int64(ref.storedLen) > x.dataEnd {
			return fmt.Errorf("%w: reference %d location out of range", ErrCorruptIndex, i)
		}
		x.refs = append(x.refs, ref)
	}
	return nil
}

func (x *archiveIndex) parseSamples(br *bytes.Reader) error {
	count, err := readEntryCount(br, sampleEntryMin)
	if err != nil {
		return err
	}

	x.samples = make([]sampleInfo, 0, count)
	x.byName = make(map[string]int, count)
	for i := 0; i < count; i++ {
		name, err := readName(br)
		if err != nil {
			return err
		}
		if _, dup := x.byName[name]; dup {
			return fmt.Errorf("%w: duplicate sample %q", ErrCorruptIndex, name)
		}

		sample := sampleInfo{name: name}
		nc, err := readEntryCount(br, contigEntryMin)
		if err != nil {
			return err
		}
		sample.contigs = make([]contigInfo, 0, nc)
		sample.byName = make(map[string]int, nc)
		for j := 0; j < nc; j++ {
			contig, err := x.parseContig(br, name)
			if err != nil {
				return err
			}
			if _, dup := sample.byName[contig.name]; dup {
				return fmt.Errorf("%w: duplicate contig %q in sample %q", ErrCorruptIndex, contig.name, name)
			}
			sample.byName[contig.name] = len(sample.contigs)
			sample.contigs = append(sample.contigs, contig)
		}

		x.byName[name] = len(x.samples)
		x.samples = append(x.samples, sample)
	}
	return nil
}

func (x *archiveIndex) parseContig(br *bytes.Reader, sample string) (contigInfo, error) {
	var ci contigInfo
	name, err := readName(br)
	if err != nil {
		return ci, err
	}
	ci.name = name

	if ci.length, err = readCount(br); err != nil {
		return ci, err
	}
	nb, err := readEntryCount(br, blockEntryMin)
	if err != nil {
		return ci, err
	}

	// Blocks must partition [0, length) with no gaps or overlaps. Starts
	// are cumulative, so validating the spans is sufficient.
	ci.blocks = make([]blockRef, 0, nb)
	var offset int64
	start := 0
	for k := 0; k < nb; k++ {
		delta, err := binary.ReadUvarint(br)
		if err != nil {
			return ci, fmt.Errorf("%w: block table truncated", ErrCorruptIndex)
		}
		offset += int64(delta)

		b := blockRef{offset: offset, start: start}
		if b.storedLen, err = readCount(br); err != nil {
			return ci, err
		}
		if b.span, err = readCount(br); err != nil {
			return ci, err
		}
		kind, err := br.ReadByte()
		if err != nil {
			return ci, fmt.Errorf("%w: block table truncated", ErrCorruptIndex)
		}
		b.kind = kind
		if kind&^(codecMask|kindDelta) != 0 || kind&codecMask > codecLZ4 {
			return ci, fmt.Errorf("%w: bad block kind %#x", ErrCorruptIndex, kind)
		}
		if kind&kindDelta != 0 {
			refID, err := binary.ReadUvarint(br)
			if err != nil {
				return ci, fmt.Errorf("%w: block table truncated", ErrCorruptIndex)
			}
			if int(refID) >= len(x.refs) {
				return ci, fmt.Errorf("%w: block references unknown reference %d", ErrCorruptIndex, refID)
			}
			b.refID = uint32(refID)
		}
		if b.checksum, err = readSum(br); err != nil {
			return ci, err
		}

		if b.span < 1 || b.span > x.hdr.blockSize {
			return ci, fmt.Errorf("%w: contig %q/%q block %d spans %d bases", ErrCorruptIndex, sample, name, k, b.span)
		}
		if k != nb-1 && b.span != x.hdr.blockSize {
			return ci, fmt.Errorf("%w: contig %q/%q has a short interior block", ErrCorruptIndex, sample, name)
		}
		if b.storedLen < 1 || b.offset < headerLen || b.offset+int64(b.storedLen) > x.dataEnd {
			return ci, fmt.Errorf("%w: contig %q/%q block %d location out of range", ErrCorruptIndex, sample, name, k)
		}

		start += b.span
		ci.blocks = append(ci.blocks, b)
	}

	if start != ci.length {
		return ci, fmt.Errorf("%w: contig %q/%q blocks cover %d of %d bases", ErrCorruptIndex, sample, name, start, ci.length)
	}
	return ci, nil
}

// maxNameLen bounds sample/contig names; FASTA headers never come close.
const maxNameLen = 1 << 16

func readCount(br *bytes.Reader) (int, error) {
	u, err := binary.ReadUvarint(br)
	if err != nil || u > 1<<40 {
		return 0, fmt.Errorf("%w: bad count", ErrCorruptIndex)
	}
	return int(u), nil
}

// readEntryCount reads a table count and bounds it by the remaining
// index bytes: every entry consumes at least minEntry bytes, so a
// larger declared count can never parse. The count is untrusted input
// and sizes slice and map allocations; it must be validated before any
// allocation happens.
func readEntryCount(br *bytes.Reader, minEntry int) (int, error) {
	count, err := readCount(br)
	if err != nil {
		return 0, err
	}
	if count > br.Len()/minEntry {
		return 0, fmt.Errorf("%w: count %d exceeds remaining index size", ErrCorruptIndex, count)
	}
	return count, nil
}

func readName(br *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(br)
	if err != nil || n < 1 || n > maxNameLen {
		return "", fmt.Errorf("%w: bad name length", ErrCorruptIndex)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", fmt.Errorf("%w: name truncated", ErrCorruptIndex)
	}
	return string(buf), nil
}

func readSum(br *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: checksum truncated", ErrCorruptIndex)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
