package audio

import (
	"encoding/binary"
	"testing"
)

func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMulawRoundTrip(t *testing.T) {
	in := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000}
	encoded := MulawEncode(samplesToBytes(in))
	if len(encoded) != len(in) {
		t.Fatalf("encoded length = %d, want %d", len(encoded), len(in))
	}
	decoded := bytesToSamples(MulawDecode(encoded))

	// µ-law is lossy: tolerance grows with magnitude (roughly 3% of the value
	// plus the quantisation floor).
	for i, want := range in {
		got := decoded[i]
		diff := int32(got) - int32(want)
		if diff < 0 {
			diff = -diff
		}
		tol := int32(want)/16 + 64
		if tol < 0 {
			tol = -tol + 64
		}
		if diff > tol {
			t.Errorf("sample %d: got %d, want %d (±%d)", i, got, want, tol)
		}
	}
}

func TestMulawSilence(t *testing.T) {
	silence := MulawEncode(samplesToBytes([]int16{0, 0, 0}))
	decoded := bytesToSamples(MulawDecode(silence))
	for i, s := range decoded {
		if s > 8 || s < -8 {
			t.Errorf("sample %d: silence decoded to %d", i, s)
		}
	}
}

func TestResampleMono16Identity(t *testing.T) {
	in := samplesToBytes([]int16{1, 2, 3, 4})
	out := ResampleMono16(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Error("same-rate resample should return input unchanged")
	}
}

func TestResampleMono16Downsample(t *testing.T) {
	in := samplesToBytes(make([]int16, 160)) // 10 ms at 16 kHz
	out := ResampleMono16(in, 16000, 8000)
	if len(out) != 160 { // 80 samples * 2 bytes
		t.Fatalf("downsampled length = %d bytes, want 160", len(out))
	}
}

func TestWAVMulawHeader(t *testing.T) {
	mu := []byte{0x7F, 0x7F, 0x7F, 0x7F}
	wav := WAVMulaw(mu)
	if len(wav) != 44+len(mu) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(mu))
	}
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE markers")
	}
	if fmtCode := binary.LittleEndian.Uint16(wav[20:22]); fmtCode != 7 {
		t.Fatalf("format code = %d, want 7 (µ-law)", fmtCode)
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 8000 {
		t.Fatalf("sample rate = %d, want 8000", rate)
	}
}
