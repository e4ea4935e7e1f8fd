package stream_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/stream"
)

var _ = Describe("Decoder", func() {
	It("passes ASCII through", func() {
		Expect(stream.NewDecoder().Decode([]byte("hello"))).To(Equal("hello"))
	})

	It("carries a multi-byte rune split across chunks", func() {
		d := stream.NewDecoder()
		euro := []byte("€") // e2 82 ac

		Expect(d.Decode([]byte{'a', euro[0]})).To(Equal("a"))
		Expect(d.Decode(euro[1:2])).To(BeEmpty())
		Expect(d.Decode([]byte{euro[2], 'b'})).To(Equal("€b"))
	})

	It("decodes byte-at-a-time input identically", func() {
		input := []byte("héllo 🌍 wörld")
		d := stream.NewDecoder()

		var out string
		for _, b := range input {
			out += d.Decode([]byte{b})
		}
		out += d.Flush()

		Expect(out).To(Equal(string(input)))
	})

	It("replaces invalid bytes", func() {
		Expect(stream.NewDecoder().Decode([]byte{'a', 0xff, 'b'})).To(Equal("a�b"))
	})

	It("replaces an incomplete trailing sequence on flush", func() {
		d := stream.NewDecoder()
		Expect(d.Decode([]byte{'x', 0xe2, 0x82})).To(Equal("x"))
		Expect(d.Flush()).To(HavePrefix("\uFFFD"))
	})
})
