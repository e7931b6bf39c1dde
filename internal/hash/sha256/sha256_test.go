package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHexDeterministic(t *testing.T) {
	t.Parallel()

	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	assert.Equal(t, want, Hex([]byte("hello world")))
	assert.Equal(t, Hex([]byte("hello world")), Hex([]byte("hello world")))
}

func TestKeyTruncates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    int
		want int
	}{
		{name: "short", n: 16, want: 16},
		{name: "zero means full", n: 0, want: 64},
		{name: "oversized means full", n: 100, want: 64},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Key("https://example.com/listing/1", tt.n)
			assert.Len(t, got, tt.want)
		})
	}
	assert.Equal(t, "b94d27b9", Key("hello world", 8))
}
