// Package audio provides the PCM manipulation primitives the call pipeline
// needs: G.711 µ-law transcoding for the carrier leg, linear resampling
// between provider sample rates, and WAV framing for playback URLs.
//
// All PCM is 16-bit little-endian mono unless stated otherwise.
package audio

// G.711 µ-law constants.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawEncode compresses 16-bit LE PCM into G.711 µ-law, one output byte per
// input sample. This is the wire codec most PSTN carriers expect at 8 kHz.
func MulawEncode(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		out[i/2] = encodeSample(s)
	}
	return out
}

// MulawDecode expands G.711 µ-law bytes into 16-bit LE PCM, two output bytes
// per input byte.
func MulawDecode(mu []byte) []byte {
	out := make([]byte, len(mu)*2)
	for i, b := range mu {
		s := decodeSample(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func encodeSample(s int16) byte {
	sign := byte(0)
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

func decodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	v := (int32(mantissa)<<3 + mulawBias) << exponent
	v -= mulawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}
