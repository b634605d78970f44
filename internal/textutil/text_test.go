package textutil

import (
	"strings"
	"sync"
	"testing"
)

func TestFoldTopic(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"golf", "GOLF", true},
		{"Golf", "gOlF", true},
		{"Straße", "STRASSE", true},
		{"ΣΊΣΥΦΟΣ", "σίσυφος", true},
		{"golf", "golfing", false},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			got := FoldTopic(tt.a) == FoldTopic(tt.b)
			if got != tt.same {
				t.Errorf("FoldTopic(%q) == FoldTopic(%q) = %v, want %v", tt.a, tt.b, got, tt.same)
			}
		})
	}
}

func TestFoldTopic_Concurrent(t *testing.T) {
	inputs := []string{"Straße", "ΣΊΣΥΦΟΣ", "Golf", "ÉCOLE"}
	want := make([]string, len(inputs))
	for i, in := range inputs {
		want[i] = FoldTopic(in)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				i := n % len(inputs)
				if got := FoldTopic(inputs[i]); got != want[i] {
					t.Errorf("FoldTopic(%q) = %q, want %q", inputs[i], got, want[i])
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestNormalizeTopic(t *testing.T) {
	if got := NormalizeTopic("  lunch  "); got != "lunch" {
		t.Errorf("NormalizeTopic trims: got %q", got)
	}
	long := strings.Repeat("x", MaxTopicLength+10)
	got := NormalizeTopic(long)
	if n := len([]rune(got)); n != MaxTopicLength {
		t.Errorf("NormalizeTopic length = %d, want %d", n, MaxTopicLength)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("NormalizeTopic(long) = %q, want ... suffix", got)
	}
	if got := NormalizeTopic("bad\xffbyte"); got != "bad�byte" {
		t.Errorf("NormalizeTopic invalid utf8 = %q", got)
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxRunes int
		expected string
	}{
		{"short ASCII", "Hello", 10, "Hello"},
		{"exact length", "Hello", 5, "Hello"},
		{"truncate ASCII", "Hello World", 8, "Hello..."},
		{"empty string", "", 5, ""},
		{"max 3", "Hello", 3, "Hel"},
		{"UTF-8 truncate", "你好世界！", 4, "你..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TruncateRunes(tt.input, tt.maxRunes)
			if result != tt.expected {
				t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tt.input, tt.maxRunes, result, tt.expected)
			}
		})
	}
}
