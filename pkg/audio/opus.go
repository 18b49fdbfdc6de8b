// Package audio provides the in-process audio helpers used by the bridge's
// optional PCM client-output mode: a raw Opus packet decoder and the sample
// conversions around it.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"layeh.com/gopus"
)

// Raw Opus packets from the speech model are decoded at the codec's native
// 48 kHz mono and delivered to clients at 24 kHz float32, matching the
// AudioContext rate browsers use for playback.
const (
	decodeSampleRate = 48000
	outputSampleRate = 24000
	decodeChannels   = 1

	// maxFrameSize is the per-channel sample capacity for one decode call:
	// 80 ms at 48 kHz, the largest frame the speech model emits.
	maxFrameSize = 3840
)

// OpusDecoder decodes raw Opus packets into 24 kHz float32 mono PCM.
//
// Decoder state persists across packets and must never be reset mid-stream;
// use one OpusDecoder per session. Not safe for concurrent use.
type OpusDecoder struct {
	dec *gopus.Decoder

	// Decoded and Failed count decode outcomes for diagnostics.
	Decoded uint64
	Failed  uint64
}

// NewOpusDecoder creates a decoder configured for the speech model's output
// (48 kHz mono).
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(decodeSampleRate, decodeChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one raw Opus packet and returns little-endian float32 PCM
// at 24 kHz mono. A decode failure returns an error and leaves the decoder
// usable for subsequent packets.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm48, err := d.dec.Decode(packet, maxFrameSize, false)
	if err != nil {
		d.Failed++
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	d.Decoded++

	return float32LEBytes(decimateHalf(pcm16ToFloat32(pcm48))), nil
}

// pcm16ToFloat32 converts int16 samples to float32 in [-1, 1).
func pcm16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// decimateHalf halves the sample rate by averaging adjacent sample pairs.
// Pair averaging gives basic anti-aliasing, which is adequate for voice.
func decimateHalf(samples []float32) []float32 {
	out := make([]float32, 0, len(samples)/2)
	for i := 0; i+1 < len(samples); i += 2 {
		out = append(out, (samples[i]+samples[i+1])*0.5)
	}
	return out
}

// float32LEBytes packs float32 samples as little-endian bytes.
func float32LEBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
