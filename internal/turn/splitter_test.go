package turn

import (
	"reflect"
	"strings"
	"testing"
)

func feed(s *Splitter, chunks ...string) []string {
	var out []string
	for _, c := range chunks {
		out = append(out, s.Write(c)...)
	}
	return out
}

func TestSplitter_StrongBoundaries(t *testing.T) {
	var s Splitter
	got := feed(&s, "Hello there. How are", " you today? I'm", " glad you called.")
	want := []string{"Hello there.", "How are you today?"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fragments = %v, want %v", got, want)
	}
	if tail := s.Flush(); tail != "I'm glad you called." {
		t.Errorf("flush = %q", tail)
	}
}

func TestSplitter_DecimalNotSplit(t *testing.T) {
	var s Splitter
	got := feed(&s, "It costs 3.5 million dollars. Interested?")
	want := []string{"It costs 3.5 million dollars."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fragments = %v, want %v", got, want)
	}
}

func TestSplitter_WeakBoundaryNeedsLength(t *testing.T) {
	var s Splitter
	if got := s.Write("Well, yes"); got != nil {
		t.Errorf("short clause must not cut at comma, got %v", got)
	}
	s.Flush()

	long := strings.Repeat("thanks for holding on the line today", 2) // > 48 chars, no enders
	got := s.Write(long + ", and here is the result")
	if len(got) != 1 || got[0] != long+"," {
		t.Errorf("long clause should cut at comma, got %v", got)
	}
}

func TestSplitter_FlushEmptiesBuffer(t *testing.T) {
	var s Splitter
	s.Write("partial sentence with no ending")
	if tail := s.Flush(); tail != "partial sentence with no ending" {
		t.Errorf("flush = %q", tail)
	}
	if tail := s.Flush(); tail != "" {
		t.Errorf("second flush must be empty, got %q", tail)
	}
}

func TestSplitter_EachFragmentOnce(t *testing.T) {
	var s Splitter
	var all []string
	all = append(all, s.Write("One. Two. ")...)
	all = append(all, s.Write("Three. ")...)
	if tail := s.Flush(); tail != "" {
		all = append(all, tail)
	}
	want := []string{"One.", "Two.", "Three."}
	if !reflect.DeepEqual(all, want) {
		t.Errorf("fragments = %v, want %v", all, want)
	}
}
