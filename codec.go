package garc

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// sum64 is the truncated BLAKE3 used for block and index checksums.
func sum64(p []byte) uint64 {
	s := blake3.Sum256(p)
	return binary.LittleEndian.Uint64(s[:8])
}

// readStored reads a stored payload into a pooled scratch buffer. The
// caller must releaseBuffer it once decoded.
func readStored(r io.ReaderAt, offset int64, n int) ([]byte, error) {
	buf := fetchBuffer(n)
	if _, err := r.ReadAt(buf, offset); err != nil {
		releaseBuffer(buf)
		return nil, fmt.Errorf("%w: short read at %d: %v", ErrCorruptBlock, offset, err)
	}
	return buf, nil
}

// decompress expands a stored payload with the codec named in kind.
// rawLen is the exact expected size; a mismatch is corruption. The
// result is always freshly allocated, never an alias of stored.
func decompress(stored []byte, kind byte, rawLen int) ([]byte, error) {
	switch kind & codecMask {
	case codecRaw:
		if len(stored) != rawLen {
			return nil, fmt.Errorf("%w: raw payload is %d bytes, expected %d", ErrCorruptBlock, len(stored), rawLen)
		}
		out := make([]byte, rawLen)
		copy(out, stored)
		return out, nil

	case codecSnappy:
		sz, err := snappy.DecodedLen(stored)
		if err != nil || sz != rawLen {
			return nil, fmt.Errorf("%w: bad snappy payload", ErrCorruptBlock)
		}
		out, err := snappy.Decode(make([]byte, rawLen), stored)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
		}
		return out, nil

	case codecZstd:
		out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("%w: zstd payload is %d bytes, expected %d", ErrCorruptBlock, len(out), rawLen)
		}
		return out, nil

	case codecLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("%w: lz4 payload is %d bytes, expected %d", ErrCorruptBlock, n, rawLen)
		}
		return out, nil
	}

	// kind was validated during index parsing
	return nil, fmt.Errorf("%w: unknown codec %d", ErrCorruptBlock, kind&codecMask)
}

// maxScriptLen bounds a single block's edit script. Scripts describe at
// most one block's worth of output; anything near this limit is damage.
const maxScriptLen = 1 << 28

// decodeScript expands a delta payload: a uvarint script length
// followed by the codec-compressed edit script.
func decodeScript(stored []byte, kind byte) ([]byte, error) {
	sz, n := binary.Uvarint(stored)
	if n <= 0 || sz > maxScriptLen {
		return nil, fmt.Errorf("%w: bad script length", ErrCorruptBlock)
	}
	return decompress(stored[n:], kind, int(sz))
}

// applyScript reconstructs block bases from an edit script and the
// decoded bytes of its reference block.
func applyScript(script, ref []byte) ([]byte, error) {
	var out []byte
	pos := 0
	for {
		if pos >= len(script) {
			return nil, fmt.Errorf("%w: edit script missing end marker", ErrCorruptBlock)
		}
		op := script[pos]
		pos++

		switch op {
		case opEnd:
			if pos != len(script) {
				return nil, fmt.Errorf("%w: %d bytes after edit script end", ErrCorruptBlock, len(script)-pos)
			}
			return out, nil

		case opCopy:
			off, length, next, err := scriptArgs(script, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			if off+length > len(ref) {
				return nil, fmt.Errorf("%w: copy beyond reference end", ErrCorruptBlock)
			}
			out = append(out, ref[off:off+length]...)

		case opInsert:
			length, n := binary.Uvarint(script[pos:])
			if n <= 0 || length > maxScriptLen {
				return nil, fmt.Errorf("%w: bad insert length", ErrCorruptBlock)
			}
			pos += n
			if pos+int(length) > len(script) {
				return nil, fmt.Errorf("%w: insert beyond script end", ErrCorruptBlock)
			}
			out = append(out, script[pos:pos+int(length)]...)
			pos += int(length)

		case opSubst:
			off, length, next, err := scriptArgs(script, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			if off+length > len(ref) {
				return nil, fmt.Errorf("%w: substitution beyond reference end", ErrCorruptBlock)
			}
			if pos+length > len(script) {
				return nil, fmt.Errorf("%w: substitution beyond script end", ErrCorruptBlock)
			}
			out = append(out, script[pos:pos+length]...)
			pos += length

		default:
			return nil, fmt.Errorf("%w: unknown edit script opcode %#x", ErrCorruptBlock, op)
		}
	}
}

func scriptArgs(script []byte, pos int) (off, length, next int, err error) {
	u1, n := binary.Uvarint(script[pos:])
	if n <= 0 || u1 > maxScriptLen {
		return 0, 0, 0, fmt.Errorf("%w: bad edit script operand", ErrCorruptBlock)
	}
	pos += n
	u2, n := binary.Uvarint(script[pos:])
	if n <= 0 || u2 > maxScriptLen {
		return 0, 0, 0, fmt.Errorf("%w: bad edit script operand", ErrCorruptBlock)
	}
	return int(u1), int(u2), pos + n, nil
}

// decodeRef decodes one reference block given the decoded bytes of its
// parent (nil for literal references) and verifies the checksum.
func decodeRef(r io.ReaderAt, ref *refBlock, parent []byte) ([]byte, error) {
	stored, err := readStored(r, ref.offset, ref.storedLen)
	if err != nil {
		return nil, err
	}
	defer releaseBuffer(stored)

	var out []byte
	if ref.kind&kindDelta != 0 {
		script, err := decodeScript(stored, ref.kind)
		if err != nil {
			return nil, err
		}
		if out, err = applyScript(script, parent); err != nil {
			return nil, err
		}
	} else if out, err = decompress(stored, ref.kind, ref.rawLen); err != nil {
		return nil, err
	}

	if len(out) != ref.rawLen {
		return nil, fmt.Errorf("%w: reference decoded to %d bytes, expected %d", ErrCorruptBlock, len(out), ref.rawLen)
	}
	if sum64(out) != ref.checksum {
		return nil, fmt.Errorf("%w: reference checksum mismatch", ErrCorruptBlock)
	}
	return out, nil
}

// decodeBlock decodes one contig block to its span bases. refLookup
// resolves the reference bytes for delta blocks, normally through the
// reference cache.
func decodeBlock(r io.ReaderAt, b *blockRef, refLookup func(uint32) ([]byte, error)) ([]byte, error) {
	stored, err := readStored(r, b.offset, b.storedLen)
	if err != nil {
		return nil, err
	}
	defer releaseBuffer(stored)

	var out []byte
	if b.kind&kindDelta != 0 {
		ref, err := refLookup(b.refID)
		if err != nil {
			return nil, err
		}
		script, err := decodeScript(stored, b.kind)
		if err != nil {
			return nil, err
		}
		if out, err = applyScript(script, ref); err != nil {
			return nil, err
		}
	} else if out, err = decompress(stored, b.kind, b.span); err != nil {
		return nil, err
	}

	if len(out) != b.span {
		return nil, fmt.Errorf("%w: block decoded to %d bases, expected %d", ErrCorruptBlock, len(out), b.span)
	}
	if sum64(out) != b.checksum {
		return nil, fmt.Errorf("%w: block checksum mismatch", ErrCorruptBlock)
	}
	return out, nil
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
