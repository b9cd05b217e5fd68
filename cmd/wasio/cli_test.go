package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wasio-dev/wasio/bridge"
	"github.com/wasio-dev/wasio/host"
)

type recordingHandler struct {
	msgs []bridge.Message
	err  error
}

func (h *recordingHandler) HandleMessage(ctx context.Context, msg bridge.Message) error {
	h.msgs = append(h.msgs, msg)
	return h.err
}

func TestPumpForwardsMessages(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"stdin","sourceLocator":"mod.wasm","data":"a\n"}`,
		``,
		`{"type":"stdin","data":"b"}`,
	}, "\n")

	h := &recordingHandler{}
	err := pump(context.Background(), strings.NewReader(input), h, zap.NewNop())

	require.NoError(t, err)
	require.Len(t, h.msgs, 2)
	assert.Equal(t, "mod.wasm", h.msgs[0].SourceLocator)
	assert.Equal(t, "a\n", h.msgs[0].Data)
	assert.Equal(t, "b", h.msgs[1].Data)
}

func TestPumpSkipsMalformedLines(t *testing.T) {
	input := "{not json}\n" + `{"type":"stdin","data":"ok"}` + "\n"

	h := &recordingHandler{}
	err := pump(context.Background(), strings.NewReader(input), h, zap.NewNop())

	require.NoError(t, err)
	require.Len(t, h.msgs, 1)
	assert.Equal(t, "ok", h.msgs[0].Data)
}

func TestPumpStopsWhenSessionCloses(t *testing.T) {
	input := `{"type":"stdin","data":"x"}` + "\n" + `{"type":"stdin","data":"y"}` + "\n"

	h := &recordingHandler{err: bridge.ErrSessionClosed}
	err := pump(context.Background(), strings.NewReader(input), h, zap.NewNop())

	require.NoError(t, err)
	assert.Len(t, h.msgs, 1)
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"1mb", host.MemoryLimit1MB, false},
		{"16MB", host.MemoryLimit16MB, false},
		{"64mb", host.MemoryLimit64MB, false},
		{"256mb", host.MemoryLimit256MB, false},
		{"2gb", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMemoryLimit(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
