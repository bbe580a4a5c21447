package garc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Archive", func() {
	var subject *Archive
	var seqs fixtureSeqs

	BeforeEach(func() {
		subject, seqs = openFixture(false)
	})

	AfterEach(func() {
		Expect(subject.Close()).To(Succeed())
	})

	It("should open", func() {
		Expect(subject.IsOpened()).To(BeTrue())

		major, minor, err := subject.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(major).To(Equal(3))
		Expect(minor).To(Equal(0))

		Expect(subject.BlockSize()).To(Equal(100))

		id, err := subject.ArchiveID()
		Expect(err).NotTo(HaveOccurred())
		Expect(id).NotTo(Equal(uuid.UUID{}))
	})

	It("should reject a second open", func() {
		path, _ := seedFixture(codecZstd, false)
		Expect(subject.Open(path, false)).To(MatchError(ErrAlreadyOpened))
		Expect(subject.IsOpened()).To(BeTrue())
	})

	It("should close idempotently and reopen", func() {
		Expect(subject.Close()).To(Succeed())
		Expect(subject.IsOpened()).To(BeFalse())
		Expect(subject.Close()).To(Succeed())

		path, _ := seedFixture(codecZstd, false)
		Expect(subject.Open(path, false)).To(Succeed())
		Expect(subject.IsOpened()).To(BeTrue())
	})

	It("should fail every query once closed", func() {
		Expect(subject.Close()).To(Succeed())

		_, err := subject.ListSamples()
		Expect(err).To(MatchError(ErrNotOpened))
		_, err = subject.NoSamples()
		Expect(err).To(MatchError(ErrNotOpened))
		_, err = subject.ListContigs("sample1")
		Expect(err).To(MatchError(ErrNotOpened))
		_, err = subject.NoContigs("sample1")
		Expect(err).To(MatchError(ErrNotOpened))
		_, err = subject.ContigLength("sample1", "chr1")
		Expect(err).To(MatchError(ErrNotOpened))
		_, err = subject.ContigSequence("sample1", "chr1", 0, 1)
		Expect(err).To(MatchError(ErrNotOpened))
		_, err = subject.ArchiveID()
		Expect(err).To(MatchError(ErrNotOpened))
	})

	It("should enumerate samples and contigs", func() {
		Expect(subject.ListSamples()).To(Equal([]string{"sample1", "sample2"}))
		Expect(subject.NoSamples()).To(Equal(2))

		Expect(subject.ListContigs("sample1")).To(Equal([]string{"chr1", "chr2", "chrM"}))
		Expect(subject.ListContigs("sample2")).To(Equal([]string{"chr1", "chr2", "chrU"}))
		Expect(subject.NoContigs("sample1")).To(Equal(3))
		Expect(subject.NoContigs("sample2")).To(Equal(3))

		_, err := subject.ListContigs("sampleX")
		Expect(err).To(MatchError(ErrSampleNotFound))
		_, err = subject.NoContigs("sampleX")
		Expect(err).To(MatchError(ErrSampleNotFound))
	})

	It("should report contig lengths", func() {
		Expect(subject.ContigLength("sample1", "chr1")).To(Equal(1000))
		Expect(subject.ContigLength("sample1", "chrM")).To(Equal(64))
		Expect(subject.ContigLength("sample2", "chrU")).To(Equal(0))

		_, err := subject.ContigLength("sampleX", "chr1")
		Expect(err).To(MatchError(ErrSampleNotFound))
		_, err = subject.ContigLength("sample1", "chrX")
		Expect(err).To(MatchError(ErrContigNotFound))
	})

	It("should retrieve full contigs", func() {
		for sample, contigs := range seqs {
			for contig, seq := range contigs {
				Expect(subject.FullContig(sample, contig)).To(Equal(seq), "for %s/%s", sample, contig)
			}
		}
	})

	It("should retrieve sub-ranges", func() {
		chr1 := seqs["sample1"]["chr1"]

		Expect(subject.ContigSequence("sample1", "chr1", 100, 200)).To(Equal(chr1[100:200]))
		Expect(subject.ContigSequence("sample1", "chr1", 995, 1000)).To(Equal(chr1[995:1000]))
		Expect(subject.ContigSequence("sample1", "chr1", 0, 1)).To(Equal(chr1[0:1]))
		Expect(subject.ContigSequence("sample1", "chr1", 42, 857)).To(Equal(chr1[42:857]))
		Expect(subject.ContigSequence("sample2", "chr2", 99, 101)).To(Equal(seqs["sample2"]["chr2"][99:101]))
	})

	It("should return empty sequences for empty ranges", func() {
		Expect(subject.ContigSequence("sample1", "chr1", 0, 0)).To(BeEmpty())
		Expect(subject.ContigSequence("sample1", "chr1", 500, 500)).To(BeEmpty())
		Expect(subject.ContigSequence("sample1", "chr1", 1000, 1000)).To(BeEmpty())
		Expect(subject.ContigSequence("sample2", "chrU", 0, 0)).To(BeEmpty())
	})

	It("should reject out-of-bounds ranges", func() {
		_, err := subject.ContigSequence("sample1", "chr1", 0, 1001)
		Expect(err).To(MatchError(ErrRangeOutOfBounds))
		_, err = subject.ContigSequence("sample1", "chr1", -1, 10)
		Expect(err).To(MatchError(ErrRangeOutOfBounds))
		_, err = subject.ContigSequence("sample1", "chr1", 200, 100)
		Expect(err).To(MatchError(ErrRangeOutOfBounds))
		_, err = subject.ContigSequence("sampleX", "chr1", 0, 1)
		Expect(err).To(MatchError(ErrSampleNotFound))
		_, err = subject.ContigSequence("sample1", "chrX", 0, 1)
		Expect(err).To(MatchError(ErrContigNotFound))

		// failed queries change nothing
		Expect(subject.IsOpened()).To(BeTrue())
		Expect(subject.ContigSequence("sample1", "chr1", 0, 4)).To(Equal(seqs["sample1"]["chr1"][0:4]))
	})

	It("should be deterministic", func() {
		first, err := subject.ContigSequence("sample1", "chr2", 17, 231)
		Expect(err).NotTo(HaveOccurred())
		second, err := subject.ContigSequence("sample1", "chr2", 17, 231)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(first))
	})

	It("should reassemble splits at any midpoint", func() {
		chr1 := seqs["sample1"]["chr1"]
		for _, m := range []int{0, 1, 99, 100, 101, 250, 500, 999, 1000} {
			head, err := subject.ContigSequence("sample1", "chr1", 0, m)
			Expect(err).NotTo(HaveOccurred(), "for midpoint %d", m)
			tail, err := subject.ContigSequence("sample1", "chr1", m, 1000)
			Expect(err).NotTo(HaveOccurred(), "for midpoint %d", m)
			Expect(append(head, tail...)).To(Equal(chr1), "for midpoint %d", m)
		}
	})

	It("should serve concurrent queries", func() {
		type query struct {
			sample, contig string
			start, end     int
		}
		queries := []query{
			{"sample1", "chr1", 0, 1000},
			{"sample1", "chr2", 10, 240},
			{"sample1", "chrM", 0, 64},
			{"sample2", "chr1", 450, 730},
			{"sample2", "chr2", 0, 130},
		}

		var wg sync.WaitGroup
		results := make([][]byte, len(queries)*8)
		errs := make([]error, len(queries)*8)
		for i := 0; i < len(results); i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				q := queries[i%len(queries)]
				results[i], errs[i] = subject.ContigSequence(q.sample, q.contig, q.start, q.end)
			}()
		}
		wg.Wait()

		for i, res := range results {
			q := queries[i%len(queries)]
			Expect(errs[i]).NotTo(HaveOccurred())
			Expect(res).To(Equal(seqs[q.sample][q.contig][q.start:q.end]), "for %s/%s", q.sample, q.contig)
		}
	})
})

var _ = Describe("Archive with prefetch", func() {
	var subject *Archive
	var seqs fixtureSeqs

	BeforeEach(func() {
		subject, seqs = openFixture(true)
	})

	AfterEach(func() {
		Expect(subject.Close()).To(Succeed())
	})

	It("should return identical results", func() {
		for sample, contigs := range seqs {
			for contig, seq := range contigs {
				Expect(subject.FullContig(sample, contig)).To(Equal(seq), "for %s/%s", sample, contig)
			}
		}
		Expect(subject.ContigSequence("sample1", "chr1", 100, 200)).To(Equal(seqs["sample1"]["chr1"][100:200]))
	})

	It("should have warmed the reference cache", func() {
		before := subject.cache.decodes.Load()
		_, err := subject.ContigSequence("sample2", "chr1", 0, 1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.cache.decodes.Load()).To(Equal(before))
	})
})

var _ = Describe("Archive codecs", func() {
	codecs := map[string]byte{
		"raw":    codecRaw,
		"snappy": codecSnappy,
		"zstd":   codecZstd,
		"lz4":    codecLZ4,
	}

	for name, codec := range codecs {
		name, codec := name, codec

		It(fmt.Sprintf("should read %s literal blocks", name), func() {
			path, seqs := seedFixture(codec, true)
			subject := New(nil)
			Expect(subject.Open(path, false)).To(Succeed())
			defer subject.Close()

			Expect(subject.FullContig("sample1", "chr1")).To(Equal(seqs["sample1"]["chr1"]))
			Expect(subject.ContigSequence("sample1", "chr2", 50, 150)).To(Equal(seqs["sample1"]["chr2"][50:150]))
		})

		It(fmt.Sprintf("should read %s delta blocks", name), func() {
			path, seqs := seedFixture(codec, false)
			subject := New(nil)
			Expect(subject.Open(path, false)).To(Succeed())
			defer subject.Close()

			Expect(subject.FullContig("sample2", "chr1")).To(Equal(seqs["sample2"]["chr1"]))
		})
	}
})

var _ = Describe("Archive open failures", func() {
	var subject *Archive

	BeforeEach(func() {
		subject = New(nil)
	})

	It("should fail on a missing path", func() {
		err := subject.Open("/nonexistent/collection.garc", false)
		Expect(err).To(MatchError(ErrNotFound))
		Expect(subject.IsOpened()).To(BeFalse())
	})

	It("should fail on a truncated file", func() {
		path := writeTemp([]byte("GARC"))
		Expect(subject.Open(path, false)).To(MatchError(ErrCorruptHeader))
		Expect(subject.IsOpened()).To(BeFalse())
	})

	It("should fail on bad magic", func() {
		b := newArchiveBuilder(100, codecZstd)
		b.addContig("sample1", "chr1", randomSeq(1, 300))
		data := b.build()
		data[0] ^= 0xff
		Expect(subject.Open(writeTemp(data), false)).To(MatchError(ErrCorruptHeader))
	})

	It("should fail on a bad footer", func() {
		b := newArchiveBuilder(100, codecZstd)
		b.addContig("sample1", "chr1", randomSeq(1, 300))
		data := b.build()
		data[len(data)-1] ^= 0xff
		Expect(subject.Open(writeTemp(data), false)).To(MatchError(ErrCorruptHeader))
	})

	It("should fail on a newer major version", func() {
		b := newArchiveBuilder(100, codecZstd)
		b.addContig("sample1", "chr1", randomSeq(1, 300))
		data := b.build()
		binary.LittleEndian.PutUint16(data[8:], versionMajor+1)
		Expect(subject.Open(writeTemp(data), false)).To(MatchError(ErrUnsupportedVersion))
	})

	It("should fail on a corrupt index region", func() {
		b := newArchiveBuilder(100, codecZstd)
		b.addContig("sample1", "chr1", randomSeq(1, 300))
		data := b.build()

		indexOffset := binary.LittleEndian.Uint64(data[len(data)-footerLen:])
		data[indexOffset] ^= 0xff
		Expect(subject.Open(writeTemp(data), false)).To(MatchError(ErrCorruptIndex))
		Expect(subject.IsOpened()).To(BeFalse())
	})

	It("should fail on inflated index counts without allocating", func() {
		// archives whose index declares far more entries than its
		// bytes could hold must be rejected up front
		craft := func(plain []byte) string {
			stored := zstdTestEncoder.EncodeAll(plain, nil)

			hdr := make([]byte, headerLen)
			copy(hdr, magic)
			binary.LittleEndian.PutUint16(hdr[8:], versionMajor)
			binary.LittleEndian.PutUint32(hdr[12:], 100)
			data := append(hdr, stored...)

			var ftr [footerLen]byte
			binary.LittleEndian.PutUint64(ftr[0:], uint64(headerLen))
			binary.LittleEndian.PutUint64(ftr[8:], sum64(stored))
			copy(ftr[16:], magic)
			return writeTemp(append(data, ftr[:]...))
		}

		// reference table declaring 2^39 entries
		err := subject.Open(craft(appendUvarint(nil, 1<<39)), false)
		Expect(err).To(MatchError(ErrCorruptIndex))
		Expect(subject.IsOpened()).To(BeFalse())

		// empty reference table, sample table declaring 2^39 entries
		plain := appendUvarint(nil, 0)
		plain = appendUvarint(plain, 1<<39)
		Expect(subject.Open(craft(plain), false)).To(MatchError(ErrCorruptIndex))

		// one sample whose contig declares 2^39 blocks
		plain = appendUvarint(nil, 0) // no references
		plain = appendUvarint(plain, 1)
		plain = appendUvarint(plain, 2)
		plain = append(plain, "s1"...)
		plain = appendUvarint(plain, 1)
		plain = appendUvarint(plain, 3)
		plain = append(plain, "ctg"...)
		plain = appendUvarint(plain, 100)   // length
		plain = appendUvarint(plain, 1<<39) // block count
		Expect(subject.Open(craft(plain), false)).To(MatchError(ErrCorruptIndex))
	})

	It("should fail on an invalid reference parent", func() {
		b := newArchiveBuilder(100, codecZstd)
		b.addContig("sample1", "chr1", randomSeq(1, 300))
		b.addDeltaReference(9, fullCopyScript(1), []byte("A")) // forward parent
		Expect(subject.Open(writeTemp(b.build()), false)).To(MatchError(ErrCorruptIndex))
	})

	It("should fail when blocks do not cover the contig", func() {
		b := newArchiveBuilder(100, codecZstd)
		b.addContig("sample1", "chr1", randomSeq(1, 300))
		b.samples[0].contigs[0].length++ // break the partition invariant
		Expect(subject.Open(writeTemp(b.build()), false)).To(MatchError(ErrCorruptIndex))
	})
})
