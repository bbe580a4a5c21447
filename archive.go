package garc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Archive is a handle on a genome-collection archive. A new handle
// starts closed; Open and Close move it between states.
//
// An opened Archive may be shared freely across goroutines: queries on
// different blocks proceed in parallel, queries on the same reference
// block share one decode. Close blocks until in-flight queries drain,
// so a query never observes a half-closed handle; queries arriving
// after Close fail with ErrNotOpened.
type Archive struct {
	opts *Options
	log  *slog.Logger

	mu    sync.RWMutex
	r     io.ReaderAt
	f     *os.File // nil once Closed, or when the archive is held in memory
	idx   *archiveIndex
	cache *refCache
}

// New returns a closed archive handle.
func New(opts *Options) *Archive {
	o := opts.norm()
	return &Archive{opts: o, log: o.Logger}
}

// Open opens the archive at path and builds the in-memory index. With
// prefetch the whole archive is loaded into memory and all reference
// blocks are decoded into the cache up front; this lengthens Open in
// exchange for faster queries and changes no results.
func (a *Archive) Open(path string, prefetch bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.idx != nil {
		return ErrAlreadyOpened
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("garc: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("garc: stat %s: %w", path, err)
	}
	size := fi.Size()

	var r io.ReaderAt
	if prefetch {
		data := make([]byte, size)
		if _, err := io.ReadFull(io.NewSectionReader(f, 0, size), data); err != nil {
			_ = f.Close()
			return fmt.Errorf("garc: prefetch %s: %w", path, err)
		}
		_ = f.Close()
		f, r = nil, bytes.NewReader(data)
	} else {
		r = f
	}

	idx, err := readIndex(r, size)
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return err
	}

	cache := newRefCache(r, idx.refs, a.opts.CacheBudget, idx.hdr.blockSize)
	if prefetch {
		a.warmReferences(cache, len(idx.refs))
	}

	a.f, a.r, a.idx, a.cache = f, r, idx, cache
	if a.log != nil {
		a.log.Debug("archive opened",
			"path", path,
			"archive_id", idx.hdr.archiveID,
			"samples", len(idx.samples),
			"references", len(idx.refs),
			"prefetch", prefetch)
	}
	return nil
}

// warmReferences decodes all reference blocks into the cache in
// parallel. Failures are left for the first touching query to surface,
// keeping Open's semantics identical with and without prefetch.
func (a *Archive) warmReferences(cache *refCache, n int) {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for id := 0; id < n; id++ {
		id := uint32(id)
		g.Go(func() error {
			if _, err := cache.get(id); err != nil && a.log != nil {
				a.log.Warn("reference prefetch failed", "ref_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close releases the underlying file and caches. It is idempotent:
// closing a closed handle returns nil.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.idx == nil {
		return nil
	}

	var err error
	if a.f != nil {
		err = a.f.Close()
	}
	a.cache.purge()
	a.f, a.r, a.idx, a.cache = nil, nil, nil, nil

	if a.log != nil {
		a.log.Debug("archive closed")
	}
	if err != nil {
		return fmt.Errorf("garc: close: %w", err)
	}
	return nil
}

// IsOpened reports whether the handle is currently open.
func (a *Archive) IsOpened() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.idx != nil
}

// ListSamples returns all sample names in stored order.
func (a *Archive) ListSamples() ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.idx == nil {
		return nil, ErrNotOpened
	}
	names := make([]string, len(a.idx.samples))
	for i := range a.idx.samples {
		names[i] = a.idx.samples[i].name
	}
	return names, nil
}

// NoSamples returns the number of samples in the collection.
func (a *Archive) NoSamples() (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.idx == nil {
		return 0, ErrNotOpened
	}
	return len(a.idx.samples), nil
}

// ListContigs returns the contig names of a sample in stored order.
func (a *Archive) ListContigs(sample string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.idx == nil {
		return nil, ErrNotOpened
	}
	s, err := a.idx.sample(sample)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(s.contigs))
	for i := range s.contigs {
		names[i] = s.contigs[i].name
	}
	return names, nil
}

// NoContigs returns the number of contigs in a sample.
func (a *Archive) NoContigs(sample string) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.idx == nil {
		return 0, ErrNotOpened
	}
	s, err := a.idx.sample(sample)
	if err != nil {
		return 0, err
	}
	return len(s.contigs), nil
}

// ContigLength returns a contig's length in bases.
func (a *Archive) ContigLength(sample, contig string) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.idx == nil {
		return 0, ErrNotOpened
	}
	ci, err := a.idx.contig(sample, contig)
	if err != nil {
		return 0, err
	}
	return ci.length, nil
}

// ContigSequence returns the bases of [start, end) within a contig,
// using half-open 0-based coordinates. start == end yields an empty
// sequence without error.
func (a *Archive) ContigSequence(sample, contig string, start, end int) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.idx == nil {
		return nil, ErrNotOpened
	}
	ci, err := a.idx.contig(sample, contig)
	if err != nil {
		return nil, err
	}
	if start < 0 || end > ci.length || start > end {
		return nil, fmt.Errorf("%w: [%d,%d) of %q/%q with %d bases", ErrRangeOutOfBounds, start, end, sample, contig, ci.length)
	}
	if start == end {
		return []byte{}, nil
	}

	// first block whose range reaches past start
	bpos := sort.Search(len(ci.blocks), func(i int) bool {
		return ci.blocks[i].start+ci.blocks[i].span > start
	})

	out := make([]byte, 0, end-start)
	for ; bpos < len(ci.blocks); bpos++ {
		b := &ci.blocks[bpos]
		if b.start >= end {
			break
		}

		bases, err := decodeBlock(a.r, b, a.cache.get)
		if err != nil {
			return nil, fmt.Errorf("garc: contig %q of sample %q, block %d: %w", contig, sample, bpos, err)
		}

		lo, hi := 0, b.span
		if start > b.start {
			lo = start - b.start
		}
		if end < b.start+b.span {
			hi = end - b.start
		}
		out = append(out, bases[lo:hi]...)
	}
	return out, nil
}

// FullContig is shorthand for ContigSequence over the whole contig.
func (a *Archive) FullContig(sample, contig string) ([]byte, error) {
	length, err := a.ContigLength(sample, contig)
	if err != nil {
		return nil, err
	}
	return a.ContigSequence(sample, contig, 0, length)
}

// ArchiveID returns the identity assigned to the archive at creation.
func (a *Archive) ArchiveID() (uuid.UUID, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.idx == nil {
		return uuid.UUID{}, ErrNotOpened
	}
	return a.idx.hdr.archiveID, nil
}

// BlockSize returns the archive's bases-per-block parameter.
func (a *Archive) BlockSize() (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.idx == nil {
		return 0, ErrNotOpened
	}
	return a.idx.hdr.blockSize, nil
}

// Version returns the archive's format version.
func (a *Archive) Version() (major, minor int, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.idx == nil {
		return 0, 0, ErrNotOpened
	}
	return int(a.idx.hdr.major), int(a.idx.hdr.minor), nil
}
