package protocol_test

import (
	"bytes"
	"io"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/vegsecai/vegsec/protocol"
)

var _ = Describe("Framing", func() {
	Describe("Tokens", func() {
		It("round trips a token through a single send", func() {
			var buf bytes.Buffer

			Expect(protocol.WriteToken(&buf, "login")).To(Succeed())

			token, err := protocol.ReadToken(&buf)
			Expect(err).To(Succeed())
			Expect(token).To(Equal("login"))
		})

		It("trims surrounding whitespace", func() {
			var buf bytes.Buffer

			Expect(protocol.WriteToken(&buf, "  alice \n")).To(Succeed())

			token, err := protocol.ReadToken(&buf)
			Expect(err).To(Succeed())
			Expect(token).To(Equal("alice"))
		})

		It("returns io.EOF when the peer closed without sending", func() {
			_, err := protocol.ReadToken(bytes.NewReader(nil))
			Expect(err).To(MatchError(io.EOF))
		})
	})

	Describe("Blocks", func() {
		It("round trips the payload bytes and the declared length", func() {
			payload := bytes.Repeat([]byte{0xAB, 0x01, 0x7F}, 1500)

			var buf bytes.Buffer
			Expect(protocol.WriteBlock(&buf, payload)).To(Succeed())

			header, err := protocol.ReadBlockHeader(&buf)
			Expect(err).To(Succeed())
			Expect(header.Bye).To(BeFalse())
			Expect(header.Length).To(Equal(uint32(len(payload))))

			got, err := protocol.ReadBlockPayload(&buf, header.Length)
			Expect(err).To(Succeed())
			Expect(got).To(Equal(payload))
		})

		It("round trips an empty payload", func() {
			var buf bytes.Buffer
			Expect(protocol.WriteBlock(&buf, nil)).To(Succeed())

			header, err := protocol.ReadBlockHeader(&buf)
			Expect(err).To(Succeed())
			Expect(header.Length).To(BeZero())

			got, err := protocol.ReadBlockPayload(&buf, header.Length)
			Expect(err).To(Succeed())
			Expect(got).To(BeEmpty())
		})

		It("recognises the bye sentinel by its literal bytes", func() {
			var buf bytes.Buffer
			Expect(protocol.WriteBye(&buf)).To(Succeed())

			header, err := protocol.ReadBlockHeader(&buf)
			Expect(err).To(Succeed())
			Expect(header.Bye).To(BeTrue())
		})

		It("does not mistake a length equal to the sentinel's value for bye", func() {
			// 0x23627965 is the numeric reading of "#bye". Any other 4
			// bytes with that value must decode as a plain length.
			header, err := protocol.ReadBlockHeader(bytes.NewReader([]byte{0x23, 0x62, 0x79, 0x66}))
			Expect(err).To(Succeed())
			Expect(header.Bye).To(BeFalse())
			Expect(header.Length).To(Equal(uint32(0x23627966)))
		})

		It("reports a clean close before the header as io.EOF", func() {
			_, err := protocol.ReadBlockHeader(bytes.NewReader(nil))
			Expect(err).To(MatchError(io.EOF))
		})

		It("reports a close inside the header", func() {
			_, err := protocol.ReadBlockHeader(bytes.NewReader([]byte{0x00, 0x01}))
			Expect(err).To(MatchError(protocol.ErrShortLengthHeader))
		})

		It("fails with ErrTruncatedFrame when the payload is cut short", func() {
			var buf bytes.Buffer
			Expect(protocol.WriteBlock(&buf, []byte("only ten b"))).To(Succeed())

			header, err := protocol.ReadBlockHeader(&buf)
			Expect(err).To(Succeed())

			_, err = protocol.ReadBlockPayload(&buf, header.Length+5)
			Expect(err).To(MatchError(protocol.ErrTruncatedFrame))
		})

		It("does not allocate for a huge declared length the peer never sends", func() {
			// A 4 GiB header backed by a few bytes must fail fast on the
			// close, without reserving the declared length up front.
			_, err := protocol.ReadBlockPayload(bytes.NewReader([]byte("stub")), 0xFFFFFFFF)
			Expect(err).To(MatchError(protocol.ErrTruncatedFrame))
		})
	})
})
