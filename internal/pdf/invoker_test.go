package pdf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConverter は範囲ごとに決められた結果を返すテスト用の変換エンジンです。
type scriptedConverter struct {
	mu       sync.Mutex
	calls    []ChunkRange
	released int
	fail     map[int]error // チャンクの開始ページ → エラー
	panicAt  int
	block    chan struct{}
}

func (c *scriptedConverter) Convert(ctx context.Context, path string, rng ChunkRange, opts Options) (*PartialResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, rng)
	c.mu.Unlock()

	if c.block != nil {
		<-c.block
	}
	if c.panicAt > 0 && rng.Start == c.panicAt {
		panic("model crashed")
	}
	if err := c.fail[rng.Start]; err != nil {
		return nil, err
	}
	stats := make([]PageStat, 0, rng.Len())
	for p := rng.Start; p < rng.End; p++ {
		stats = append(stats, PageStat{PageID: p})
	}
	return &PartialResult{
		Text:     fmt.Sprintf("pages %s", rng),
		Images:   map[string][]byte{fmt.Sprintf("img_%d.png", rng.Start): {byte(rng.Start)}},
		Metadata: Metadata{PageStats: stats},
	}, nil
}

func (c *scriptedConverter) Release() {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

func (c *scriptedConverter) snapshot() ([]ChunkRange, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChunkRange(nil), c.calls...), c.released
}

func newTestInvoker(conv Converter) *Invoker {
	inv := NewInvoker(conv)
	inv.freeMem = nil
	return inv
}

func TestInvokeReleasesAfterSuccess(t *testing.T) {
	conv := &scriptedConverter{}
	inv := newTestInvoker(conv)

	part, err := inv.Invoke(context.Background(), "doc.pdf", ChunkRange{Start: 5, End: 10}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, ChunkRange{Start: 5, End: 10}, part.Range)
	assert.Equal(t, "pages 6-10", part.Text)

	_, released := conv.snapshot()
	assert.Equal(t, 1, released)
}

func TestInvokeReleasesAfterFailure(t *testing.T) {
	conv := &scriptedConverter{fail: map[int]error{0: errors.New("out of memory")}}
	inv := newTestInvoker(conv)

	_, err := inv.Invoke(context.Background(), "doc.pdf", ChunkRange{Start: 0, End: 5}, DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConversion)
	assert.ErrorContains(t, err, "out of memory")

	_, released := conv.snapshot()
	assert.Equal(t, 1, released)
}

func TestInvokeRecoversPanic(t *testing.T) {
	conv := &scriptedConverter{panicAt: 5}
	inv := newTestInvoker(conv)

	_, err := inv.Invoke(context.Background(), "doc.pdf", ChunkRange{Start: 5, End: 6}, DefaultOptions())
	require.ErrorIs(t, err, ErrConversion)
	assert.ErrorContains(t, err, "model crashed")
}

func TestInvokeCanceledReleasesLater(t *testing.T) {
	conv := &scriptedConverter{block: make(chan struct{})}
	inv := newTestInvoker(conv)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := inv.Invoke(ctx, "doc.pdf", ChunkRange{Start: 0, End: 1}, DefaultOptions())
		errc <- err
	}()

	require.Eventually(t, func() bool {
		calls, _ := conv.snapshot()
		return len(calls) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	err := <-errc
	require.ErrorIs(t, err, ErrConversion)
	assert.ErrorIs(t, err, context.Canceled)

	close(conv.block)
	assert.Eventually(t, func() bool {
		_, released := conv.snapshot()
		return released == 1
	}, time.Second, 5*time.Millisecond)
}

func TestInvokeWithoutConverter(t *testing.T) {
	_, err := NewInvoker(nil).Invoke(context.Background(), "doc.pdf", ChunkRange{0, 1}, DefaultOptions())
	assert.ErrorIs(t, err, ErrConversion)
}
