// Package ogg implements a minimal Ogg bitstream demultiplexer that turns a
// continuous, arbitrarily-chunked byte stream into discrete logical packets.
//
// The demuxer understands exactly the subset of the Ogg container needed to
// unwrap codec packets from a live transcoder stream: page framing via the
// "OggS" capture pattern, the segment table, and the 255-continuation rule
// for packets spanning multiple segments or pages. Checksums and granule
// positions are not verified; the stream is consumed, not authored.
package ogg

import "bytes"

// capturePattern marks the start of every Ogg page.
var capturePattern = []byte("OggS")

const (
	// pageHeaderSize is the fixed Ogg page header length up to and including
	// the segment-count byte.
	pageHeaderSize = 27

	// DefaultHeaderPackets is the number of leading logical packets discarded
	// by a new Demuxer. For Ogg/Opus these are the OpusHead and OpusTags
	// metadata packets, which are not audio.
	DefaultHeaderPackets = 2
)

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithHeaderPackets overrides the number of leading packets the demuxer
// discards as codec metadata. Use 0 to receive every packet. Negative values
// are treated as 0.
func WithHeaderPackets(n int) Option {
	return func(d *Demuxer) {
		if n < 0 {
			n = 0
		}
		d.skip = uint64(n)
	}
}

// Demuxer is a stateful Ogg page parser. Feed it byte chunks of any size and
// alignment; it buffers partial pages internally and returns only complete
// logical packets.
//
// A Demuxer is not safe for concurrent use. Each stream needs its own
// instance: the header-packet discard counter spans the demuxer's lifetime
// and never resets.
type Demuxer struct {
	buf []byte
	off int // consumed prefix of buf

	pending   []byte // partial packet accumulated across segments/pages
	completed uint64 // total packets completed over the demuxer's lifetime
	skip      uint64 // leading packets to discard
}

// NewDemuxer creates a Demuxer that discards the first
// [DefaultHeaderPackets] packets unless overridden with [WithHeaderPackets].
func NewDemuxer(opts ...Option) *Demuxer {
	d := &Demuxer{skip: DefaultHeaderPackets}
	for _, o := range opts {
		o(d)
	}
	return d
}

// PacketsCompleted reports the total number of logical packets completed so
// far, including discarded header packets.
func (d *Demuxer) PacketsCompleted() uint64 { return d.completed }

// Buffered reports how many bytes are held waiting for more data.
func (d *Demuxer) Buffered() int { return len(d.buf) - d.off }

// Feed appends chunk to the internal buffer and returns all logical packets
// completed by it, in stream order, excluding discarded header packets.
// Returned slices are copies and remain valid after subsequent calls.
//
// Feed never returns partial packets; bytes belonging to an unfinished page
// or packet stay buffered until later calls complete them. The result of
// feeding a byte sequence is identical regardless of how it is split across
// calls.
func (d *Demuxer) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var out [][]byte
	for {
		rem := d.buf[d.off:]
		if len(rem) < pageHeaderSize {
			break
		}

		if !bytes.Equal(rem[:4], capturePattern) {
			if !d.resync(rem) {
				break
			}
			continue
		}

		segCount := int(rem[26])
		headerSize := pageHeaderSize + segCount
		if len(rem) < headerSize {
			break
		}

		table := rem[pageHeaderSize:headerSize]
		bodySize := 0
		for _, v := range table {
			bodySize += int(v)
		}
		pageSize := headerSize + bodySize
		if len(rem) < pageSize {
			break
		}

		out = d.consumePage(table, rem[headerSize:pageSize], out)
		d.off += pageSize
	}

	d.compact()
	return out
}

// consumePage walks the segment table of one complete page, accumulating body
// bytes into the pending packet and emitting completed packets into out.
func (d *Demuxer) consumePage(table, body []byte, out [][]byte) [][]byte {
	cursor := 0
	for _, segLen := range table {
		d.pending = append(d.pending, body[cursor:cursor+int(segLen)]...)
		cursor += int(segLen)

		if segLen == 255 {
			continue // packet continues in the next segment or page
		}

		// Terminal segment: the pending buffer is one complete packet.
		// Zero-length packets count too; the discard rule applies uniformly.
		d.completed++
		if d.completed > d.skip {
			pkt := make([]byte, len(d.pending))
			copy(pkt, d.pending)
			out = append(out, pkt)
		}
		d.pending = d.pending[:0]
	}
	return out
}

// resync recovers from a lost capture pattern. It discards bytes up to the
// next 'O' candidate, or when none exists, everything except the last 3
// bytes, which may be the start of a capture pattern split across chunks.
// It reports whether scanning should continue in this Feed call.
func (d *Demuxer) resync(rem []byte) bool {
	idx := bytes.IndexByte(rem[1:], 'O')
	if idx >= 0 {
		d.off += 1 + idx
		return true
	}
	if len(rem) > 3 {
		d.off += len(rem) - 3
	}
	return false
}

// compact reclaims the consumed prefix once it dominates the buffer, keeping
// per-page cleanup amortized O(1) instead of deleting the prefix every page.
func (d *Demuxer) compact() {
	switch {
	case d.off == len(d.buf):
		d.buf = d.buf[:0]
		d.off = 0
	case d.off > 4096 && d.off > len(d.buf)/2:
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
}
