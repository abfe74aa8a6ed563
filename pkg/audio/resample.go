package audio

import "encoding/binary"

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples.
// If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ToCarrierMulaw converts 16-bit mono PCM at srcRate into 8 kHz G.711 µ-law,
// the format the telephony carrier plays on the wire.
func ToCarrierMulaw(pcm []byte, srcRate int) []byte {
	return MulawEncode(ResampleMono16(pcm, srcRate, 8000))
}

// WAVMulaw wraps raw 8 kHz µ-law bytes in a minimal WAV container so carriers
// that fetch playback audio over HTTP can identify the codec.
func WAVMulaw(mu []byte) []byte {
	const (
		fmtMulaw   = 7
		sampleRate = 8000
	)
	dataLen := len(mu)
	buf := make([]byte, 0, 44+dataLen)

	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+dataLen))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, fmtMulaw)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // mono
	buf = binary.LittleEndian.AppendUint32(buf, sampleRate)
	buf = binary.LittleEndian.AppendUint32(buf, sampleRate) // byte rate: 1 byte/sample
	buf = binary.LittleEndian.AppendUint16(buf, 1)          // block align
	buf = binary.LittleEndian.AppendUint16(buf, 8)          // bits per sample

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataLen))
	buf = append(buf, mu...)
	return buf
}
