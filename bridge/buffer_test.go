package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineBufferAppend(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   []string
	}{
		{
			name:   "no terminator buffers everything",
			writes: []string{"hello ", "world"},
			want:   []string{"", ""},
		},
		{
			name:   "terminator releases accumulated prefix",
			writes: []string{"hello ", "world\n"},
			want:   []string{"", "hello world\n"},
		},
		{
			name:   "partial tail after terminator is kept",
			writes: []string{"a\nb", "c\n"},
			want:   []string{"a\n", "bc\n"},
		},
		{
			name:   "multiple lines in one write release together",
			writes: []string{"x\ny\n"},
			want:   []string{"x\ny\n"},
		},
		{
			name:   "bare terminator",
			writes: []string{"\n"},
			want:   []string{"\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b lineBuffer
			for i, w := range tt.writes {
				released, ok := b.Append([]byte(w))
				assert.Equal(t, tt.want[i], released, "write %d", i)
				assert.Equal(t, tt.want[i] != "", ok, "write %d", i)
			}
		})
	}
}

func TestInboundQueueCoalesces(t *testing.T) {
	var q inboundQueue
	q.AppendString("AB")
	q.AppendString("CD")

	assert.Equal(t, []byte("ABCD"), q.Take(16))
	assert.Empty(t, q.Take(16))
}

func TestInboundQueueTakeRetainsRemainder(t *testing.T) {
	var q inboundQueue
	q.AppendString("ABCDEF")

	assert.Equal(t, []byte("ABCD"), q.Take(4))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []byte("EF"), q.Take(4))
	assert.Zero(t, q.Len())
}

func TestInboundQueueTakeEmpty(t *testing.T) {
	var q inboundQueue
	assert.Nil(t, q.Take(8))
	assert.Nil(t, q.Take(0))
}
