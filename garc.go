package garc

import (
	"errors"
	"log/slog"
)

var magic = []byte{71, 65, 82, 67, 1, 247, 154, 77} // "GARC" + 4 fixed bytes

const (
	headerLen = 36
	footerLen = 24

	versionMajor = 3
	versionMinor = 0
)

// Codec identifiers stored in the low bits of a block's kind byte.
// These are format constants; changing them breaks archive compatibility.
const (
	codecRaw    = 0
	codecSnappy = 1
	codecZstd   = 2
	codecLZ4    = 3

	codecMask = 0x07
	kindDelta = 0x08 // payload is an edit script against a reference block
)

// Edit-script opcodes for delta blocks.
const (
	opEnd    = 0x00
	opCopy   = 0x01
	opInsert = 0x02
	opSubst  = 0x03
)

// Errors returned while opening an archive.
var (
	ErrNotFound           = errors.New("garc: archive not found")
	ErrCorruptHeader      = errors.New("garc: corrupt header")
	ErrUnsupportedVersion = errors.New("garc: unsupported format version")
	ErrCorruptIndex       = errors.New("garc: corrupt index")
	ErrAlreadyOpened      = errors.New("garc: already opened")
)

// Errors returned by queries on an opened archive.
var (
	ErrNotOpened        = errors.New("garc: not opened")
	ErrSampleNotFound   = errors.New("garc: sample not found")
	ErrContigNotFound   = errors.New("garc: contig not found")
	ErrRangeOutOfBounds = errors.New("garc: range out of bounds")
)

// Errors surfaced by block decoding. Both indicate a damaged archive;
// they are wrapped with the offending sample/contig before being
// returned from a query.
var (
	ErrCorruptBlock         = errors.New("garc: corrupt block")
	ErrReferenceUnavailable = errors.New("garc: reference block unavailable")
)

// Options define archive specific options.
type Options struct {
	// CacheBudget is the approximate number of bytes of decoded
	// reference segments to retain in memory.
	// Default: 64MiB.
	CacheBudget int64

	// Logger receives debug-level lifecycle diagnostics.
	// Default: no logging.
	Logger *slog.Logger
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.CacheBudget < 1 {
		oo.CacheBudget = 64 << 20
	}

	return &oo
}
