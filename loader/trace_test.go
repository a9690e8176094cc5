package loader_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bcsim/insts"
	"github.com/sarchlab/bcsim/loader"
)

func jumpRecord(ip uint64) insts.Record {
	return insts.Record{
		IP:       ip,
		IsBranch: true,
		Taken:    true,
		DstRegs:  [insts.NumDstRegs]uint8{insts.RegInstructionPointer, 0},
	}
}

var _ = Describe("Trace loading", func() {
	var records []insts.Record

	BeforeEach(func() {
		records = []insts.Record{
			{IP: 0x1000, SrcMem: [insts.NumSrcMem]uint64{0x8000, 0, 0, 0}},
			jumpRecord(0x1004),
			{IP: 0x2000, LoadType: insts.LoadBytecode, LoadVal: 0x0153},
		}
	})

	readAll := func(src loader.Source) []*insts.Instruction {
		var out []*insts.Instruction
		for {
			inst, err := src.Next()
			if err == io.EOF {
				return out
			}
			Expect(err).NotTo(HaveOccurred())
			out = append(out, inst)
		}
	}

	It("should fill taken branch targets from the next record", func() {
		var buf bytes.Buffer
		Expect(loader.WriteTrace(&buf, records)).To(Succeed())

		tr := loader.NewTraceReader(&buf)
		out := readAll(tr)

		Expect(out).To(HaveLen(3))
		Expect(out[1].BranchType).To(Equal(insts.BranchDirectJump))
		Expect(out[1].Target).To(Equal(uint64(0x2000)))
		Expect(out[2].LoadType).To(Equal(insts.LoadBytecode))
		Expect(tr.Count()).To(Equal(uint64(3)))
	})

	It("should keep returning EOF", func() {
		tr := loader.NewTraceReader(bytes.NewReader(nil))
		_, err := tr.Next()
		Expect(err).To(Equal(io.EOF))
		_, err = tr.Next()
		Expect(err).To(Equal(io.EOF))
	})

	It("should report truncated records", func() {
		var buf bytes.Buffer
		Expect(loader.WriteTrace(&buf, records[:1])).To(Succeed())
		buf.Write([]byte{1, 2, 3})

		tr := loader.NewTraceReader(&buf)
		_, err := tr.Next()
		Expect(err).To(HaveOccurred())
	})

	It("should open gzip traces by extension", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "trace.bin.gz")

		f, err := os.Create(path)
		Expect(err).NotTo(HaveOccurred())
		gz := gzip.NewWriter(f)
		Expect(loader.WriteTrace(gz, records)).To(Succeed())
		Expect(gz.Close()).To(Succeed())
		Expect(f.Close()).To(Succeed())

		tr, err := loader.Open(path)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = tr.Close() }()

		Expect(readAll(tr)).To(HaveLen(3))
	})

	It("should fail to open a missing file", func() {
		_, err := loader.Open("/nonexistent/trace.bin")
		Expect(err).To(MatchError(ContainSubstring("failed to open trace file")))
	})

	It("should replay slices as independent copies", func() {
		list := []*insts.Instruction{{PC: 0x10}, {PC: 0x14}}
		src := loader.NewSliceSource(list)
		out := readAll(src)
		Expect(out).To(HaveLen(2))
		out[0].PC = 0x99
		Expect(list[0].PC).To(Equal(uint64(0x10)))
		Expect(src.Remaining()).To(Equal(0))
	})
})
