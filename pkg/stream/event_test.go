package stream_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/llm"
	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/stream"
)

var _ = Describe("ParseFrame", func() {
	It("classifies a text_delta event", func() {
		ev, ok := stream.ParseFrame(`data: {"type":"text_delta","data":{"delta":"Hi"}}`)

		Expect(ok).To(BeTrue())
		Expect(ev.Type).To(Equal(llm.EventTextDelta))
		Expect(ev.Delta()).To(Equal("Hi"))
	})

	It("classifies done and error events", func() {
		ev, ok := stream.ParseFrame(`data: {"type":"done"}`)
		Expect(ok).To(BeTrue())
		Expect(ev.Type).To(Equal(llm.EventDone))
		Expect(ev.IsTerminal()).To(BeTrue())

		ev, ok = stream.ParseFrame(`data: {"type":"error","data":{"message":"boom"}}`)
		Expect(ok).To(BeTrue())
		Expect(ev.Message()).To(Equal("boom"))
	})

	It("concatenates multiple data lines without a separator", func() {
		ev, ok := stream.ParseFrame("data: {\"type\":\"text_\ndata:   delta\",\"data\":{\"delta\":\"ab\"}}  ")

		Expect(ok).To(BeTrue())
		Expect(ev.Type).To(Equal(llm.EventTextDelta))
		Expect(ev.Delta()).To(Equal("ab"))
	})

	It("ignores lines without the data prefix", func() {
		ev, ok := stream.ParseFrame("event: message\nid: 7\n: comment\ndata: {\"type\":\"done\"}")

		Expect(ok).To(BeTrue())
		Expect(ev.Type).To(Equal(llm.EventDone))
	})

	DescribeTable("rejects frames without a usable event",
		func(frame string) {
			_, ok := stream.ParseFrame(frame)
			Expect(ok).To(BeFalse())
		},
		Entry("no data lines", "event: ping"),
		Entry("empty payload", "data:   "),
		Entry("not JSON", "data: not-json"),
		Entry("truncated JSON", `data: {"type":"done"`),
		Entry("JSON array", `data: ["done"]`),
		Entry("JSON string", `data: "done"`),
		Entry("null", "data: null"),
		Entry("missing type", `data: {"data":{"delta":"x"}}`),
		Entry("non-string type", `data: {"type":42}`),
	)

	It("keeps unknown types for the caller to ignore", func() {
		ev, ok := stream.ParseFrame(`data: {"type":"usage","data":{"tokens":3}}`)

		Expect(ok).To(BeTrue())
		Expect(ev.Type).To(Equal("usage"))
		Expect(ev.IsTerminal()).To(BeFalse())
	})

	It("returns empty accessors when sub-fields are missing or mistyped", func() {
		ev, ok := stream.ParseFrame(`data: {"type":"text_delta","data":{"delta":5}}`)

		Expect(ok).To(BeTrue())
		Expect(ev.Delta()).To(BeEmpty())
		Expect(ev.Message()).To(BeEmpty())
	})
})
