package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-readback/common"
	"github.com/Carmen-Shannon/oxy-readback/engine/config"
	"github.com/Carmen-Shannon/oxy-readback/engine/payload"
	"github.com/Carmen-Shannon/oxy-readback/engine/readback"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/renderertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNode struct {
	name  string
	calls *[]string
}

func (n *recordingNode) PrepareCompute(context.Context, float32) {
	*n.calls = append(*n.calls, n.name+".prepare")
}

type finishingNode struct {
	recordingNode
}

func (n *finishingNode) FinishCompute(context.Context) {
	*n.calls = append(*n.calls, n.name+".finish")
}

// quitAfter quits the engine once it has run the given number of cycles.
type quitAfter struct {
	e      Engine
	cycles int
	seen   int
}

func (n *quitAfter) PrepareCompute(context.Context, float32) {
	n.seen++
	if n.seen == n.cycles {
		n.e.Quit()
	}
}

type panicNode struct{}

func (panicNode) PrepareCompute(context.Context, float32) {
	panic("boom")
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunWithoutRenderer(t *testing.T) {
	e := NewEngine()
	assert.ErrorIs(t, e.Run(context.Background()), ErrNoRenderer)
}

func TestNodesRunInKeyOrder(t *testing.T) {
	r := renderertest.New()
	var calls []string
	e := NewEngine(
		WithRenderer(r),
		WithNode(20, &finishingNode{recordingNode{name: "copy", calls: &calls}}),
		WithNode(10, &recordingNode{name: "dispatch", calls: &calls}),
	)
	e.AddNode(30, &quitAfter{e: e, cycles: 1})

	require.NoError(t, e.Run(testContext(t)))

	assert.Equal(t, []string{"dispatch.prepare", "copy.prepare", "copy.finish"}, calls)
	assert.Equal(t, 1, r.Stats().Submits)
}

func TestNodeRegistry(t *testing.T) {
	var calls []string
	n := &recordingNode{name: "a", calls: &calls}
	e := NewEngine(WithNode(1, n))

	assert.Same(t, n, e.Node(1))
	assert.Nil(t, e.Node(2))

	nodes := e.Nodes()
	delete(nodes, 1)
	assert.Len(t, e.Nodes(), 1, "Nodes returns a copy")

	e.RemoveNode(1)
	assert.Nil(t, e.Node(1))
	assert.Empty(t, e.Nodes())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	var (
		mu    sync.Mutex
		ticks int
	)
	e := NewEngine(WithRenderer(renderertest.New()), WithTickRate(500), WithRenderFrameLimit(500))
	e.SetTickCallback(func(float32) {
		mu.Lock()
		ticks++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, ticks)
}

func TestRenderPanicStopsEngine(t *testing.T) {
	e := NewEngine(WithRenderer(renderertest.New()), WithNode(0, panicNode{}))

	err := e.Run(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	e.Quit()
}

func TestWithConfig(t *testing.T) {
	e := NewEngine(WithConfig(config.Config{TickRate: 100, RenderFrameLimit: 50, Profiling: true})).(*engine)

	assert.Equal(t, 10*time.Millisecond, e.engineTickRate)
	assert.Equal(t, 20*time.Millisecond, e.renderFrameLimit)
	assert.True(t, e.profilingEnabled)

	e.SetRenderFrameLimit(0)
	assert.Zero(t, e.renderFrameLimit)
	e.SetTickRate(-1)
	assert.Equal(t, time.Second/60, e.engineTickRate)
	e.DisableProfiler()
	assert.False(t, e.profilingEnabled)
}

func doubleKernel(buffers map[int][]byte) {
	in, out := buffers[0], buffers[1]
	x := math.Float32frombits(binary.LittleEndian.Uint32(in[0:4]))
	y := math.Float32frombits(binary.LittleEndian.Uint32(in[4:8]))
	for i := 0; i+16 <= len(out); i += 16 {
		binary.LittleEndian.PutUint32(out[i:], math.Float32bits(2*x))
		binary.LittleEndian.PutUint32(out[i+4:], math.Float32bits(2*y))
		binary.LittleEndian.PutUint32(out[i+12:], math.Float32bits(1))
	}
}

func TestReadbackAcrossDomains(t *testing.T) {
	r := renderertest.New()
	r.SetKernel(payload.DoubleKind, doubleKernel)
	r.SetMapDelay(20)

	p := readback.NewPlugin(r, readback.WithShaderValidation(false), readback.WithWorkers(0, 0))
	t.Cleanup(p.Release)
	l, err := payload.RegisterDouble(p)
	require.NoError(t, err)

	e := NewEngine(
		WithRenderer(r),
		WithTickRate(1000),
		WithRenderFrameLimit(1000),
		WithNode(0, p.DispatchStage()),
		WithNode(1, p.CopyStage()),
		WithProfileSource(p),
	)

	var (
		tok      readback.Token
		notReady int
		result   payload.DoubleResult
		getErr   error
		done     bool
	)
	e.SetTickCallback(func(float32) {
		if done {
			return
		}
		h := l.Handle()
		if tok.IsZero() {
			tok = h.Request(payload.DoubleRequest{Coord: common.Vec2{0.1, 0.1}})
			return
		}
		out, err := h.TryGet(tok)
		if errors.Is(err, readback.ErrNotReady) {
			notReady++
			return
		}
		result, getErr = out, err
		tok = readback.Token{}
		done = true
		e.Quit()
	})

	require.NoError(t, e.Run(testContext(t)))

	require.NoError(t, getErr)
	require.Len(t, result, payload.DoubleElements)
	assert.InDelta(t, 0.2, result[0][0], 1e-6)
	assert.InDelta(t, 0.2, result[payload.DoubleElements-1][1], 1e-6)
	assert.Positive(t, notReady, "the result is not available on the tick that requested it")
	assert.Zero(t, l.Len())
	assert.Equal(t, uint64(1), p.Stats().Ready)
}

func TestNoTickAfterQuit(t *testing.T) {
	for range 20 {
		var (
			mu        sync.Mutex
			quit      bool
			afterQuit int
		)
		e := NewEngine(WithRenderer(renderertest.New()), WithTickRate(2000), WithRenderFrameLimit(2000))
		e.SetTickCallback(func(float32) {
			mu.Lock()
			defer mu.Unlock()
			if quit {
				afterQuit++
				return
			}
			quit = true
			e.Quit()
		})

		require.NoError(t, e.Run(testContext(t)))

		mu.Lock()
		assert.True(t, quit)
		assert.Zero(t, afterQuit, "the tick callback ran after Quit")
		mu.Unlock()
	}
}
