package stream_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/stream"
)

var _ = Describe("Splitter", func() {
	var sp *stream.Splitter

	BeforeEach(func() {
		sp = &stream.Splitter{}
	})

	It("returns complete frames in arrival order", func() {
		frames := sp.Push("data: 1\n\ndata: 2\n\n")

		Expect(frames).To(Equal([]string{"data: 1", "data: 2"}))
		Expect(sp.Pending()).To(BeEmpty())
	})

	It("keeps a partial frame until its boundary arrives", func() {
		Expect(sp.Push("data: {\"a\":")).To(BeEmpty())
		Expect(sp.Pending()).To(Equal("data: {\"a\":"))

		Expect(sp.Push("1}\n\n")).To(Equal([]string{"data: {\"a\":1}"}))
		Expect(sp.Pending()).To(BeEmpty())
	})

	It("handles a boundary split across pushes", func() {
		Expect(sp.Push("data: x\n")).To(BeEmpty())
		Expect(sp.Push("\ndata: y")).To(Equal([]string{"data: x"}))
		Expect(sp.Pending()).To(Equal("data: y"))
	})

	It("drops frames that are blank after trimming", func() {
		frames := sp.Push("\n\n   \n\ndata: z\n\n")

		Expect(frames).To(Equal([]string{"data: z"}))
	})

	It("never retains a boundary after a push", func() {
		for _, chunk := range []string{"a\n", "\n\nb", "\n\n\n", "c\n\nd"} {
			sp.Push(chunk)
			Expect(sp.Pending()).NotTo(ContainSubstring("\n\n"))
		}
	})
})
