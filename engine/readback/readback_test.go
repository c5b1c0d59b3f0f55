package readback

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/Carmen-Shannon/oxy-readback/common"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/bind_group_provider"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/renderertest"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/shader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKind     = "double"
	testElements = 4
	testSize     = testElements * 16
)

const testSource = `
struct Input {
    coord: vec2<f32>,
}

@group(0) @binding(0) var<uniform> input: Input;
//@oxy:readback 0 1
@group(0) @binding(1) var<storage, read_write> output: array<vec4<f32>, 4>;

@compute @workgroup_size(4)
fn double(@builtin(global_invocation_id) id: vec3<u32>) {
    output[id.x] = vec4<f32>(input.coord * 2.0, 0.0, 1.0);
}
`

var errAlloc = errors.New("simulated allocation failure")

type doubleComponentType = Component[common.Vec2, common.Vec2, []common.Vec4]

// doubleKernel emulates testSource: every output element is (2x, 2y, 0, 1).
func doubleKernel(buffers map[int][]byte) {
	in, out := buffers[0], buffers[1]
	x := math.Float32frombits(binary.LittleEndian.Uint32(in[0:4]))
	y := math.Float32frombits(binary.LittleEndian.Uint32(in[4:8]))
	for i := 0; i+16 <= len(out); i += 16 {
		binary.LittleEndian.PutUint32(out[i:], math.Float32bits(2*x))
		binary.LittleEndian.PutUint32(out[i+4:], math.Float32bits(2*y))
		binary.LittleEndian.PutUint32(out[i+8:], math.Float32bits(0))
		binary.LittleEndian.PutUint32(out[i+12:], math.Float32bits(1))
	}
}

func testShader(t *testing.T) shader.Shader {
	t.Helper()
	s, err := shader.NewShaderFromSource(testKind, testSource)
	require.NoError(t, err)
	return s
}

func testDescriptor(t *testing.T) Descriptor {
	return Descriptor{
		Kind:          testKind,
		Shader:        testShader(t),
		OutputBinding: 1,
		OutputSize:    testSize,
		ResultSize:    testSize,
		Workgroups:    [3]uint32{1, 1, 1},
	}
}

// doubleComponent fails Prepare for inputs with a negative X to simulate an allocation failure.
func doubleComponent(t *testing.T) ComponentFuncs[common.Vec2, common.Vec2, []common.Vec4] {
	return ComponentFuncs[common.Vec2, common.Vec2, []common.Vec4]{
		Desc:        testDescriptor(t),
		ExtractFunc: func(src common.Vec2) common.Vec2 { return src },
		PrepareFunc: func(data common.Vec2, layout Layout, r renderer.Renderer) (bind_group_provider.BindGroupProvider, error) {
			if data[0] < 0 {
				return nil, errAlloc
			}
			return PrepareBuffers("double request", layout, r, nil, bind_group_provider.BufferWrite{
				Binding: 0,
				Data:    append([]byte(nil), common.StructToBytes(&data)...),
			})
		},
		DecodeFunc: common.BytesToSlice[common.Vec4],
	}
}

type harness struct {
	r      *renderertest.Renderer
	p      *Plugin
	ledger *Ledger[common.Vec2, common.Vec2, []common.Vec4]
}

func newHarness(t *testing.T, opts ...PluginOption) *harness {
	t.Helper()
	r := renderertest.New()
	r.SetKernel(testKind, doubleKernel)

	p := NewPlugin(r, append([]PluginOption{WithShaderValidation(false), WithWorkers(0, 0)}, opts...)...)
	t.Cleanup(p.Release)

	l, err := Register(p, doubleComponentType(doubleComponent(t)))
	require.NoError(t, err)
	return &harness{r: r, p: p, ledger: l}
}

// cycle runs one render cycle the way the engine does.
func (h *harness) cycle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.r.BeginComputeFrame())
	h.p.DispatchStage().PrepareCompute(ctx, 0)
	h.p.CopyStage().PrepareCompute(ctx, 0)
	require.NoError(t, h.r.EndComputeFrame())
	h.p.CopyStage().FinishCompute(ctx)
}

func TestRoundTrip(t *testing.T) {
	h := newHarness(t)
	handle := h.ledger.Handle()

	tok := handle.Request(common.Vec2{0.1, 0.1})
	_, err := handle.TryGet(tok)
	require.ErrorIs(t, err, ErrNotReady)

	h.cycle(t)

	out, err := handle.TryGet(tok)
	require.NoError(t, err)
	require.Len(t, out, testElements)
	for _, v := range out {
		assert.InDelta(t, 0.2, v[0], 1e-6)
		assert.InDelta(t, 0.2, v[1], 1e-6)
	}

	_, err = handle.TryGet(tok)
	assert.ErrorIs(t, err, ErrUnknownToken)
	assert.Zero(t, h.ledger.Len())
}

func TestNotReadyUntilMapped(t *testing.T) {
	h := newHarness(t)
	h.r.SetMapDelay(2)
	handle := h.ledger.Handle()
	tok := handle.Request(common.Vec2{1, 2})

	for i := 0; i < 2; i++ {
		h.cycle(t)
		_, err := handle.TryGet(tok)
		require.ErrorIs(t, err, ErrNotReady, "cycle %d", i+1)
		state, ok := h.ledger.Lookup(tok)
		require.True(t, ok)
		assert.Equal(t, StateCopyPending, state)
	}

	h.cycle(t)
	out, err := handle.TryGet(tok)
	require.NoError(t, err)
	assert.Equal(t, common.Vec4{2, 4, 0, 1}, out[0])
	assert.Equal(t, 1, h.r.Stats().Dispatches, "a request is dispatched once")
}

func TestExactlyOnce(t *testing.T) {
	h := newHarness(t)
	handle := h.ledger.Handle()
	good := handle.Request(common.Vec2{1, 1})
	bad := handle.Request(common.Vec2{-1, 1})
	h.cycle(t)

	_, err := handle.TryGet(good)
	require.NoError(t, err)
	_, err = handle.TryGet(bad)
	require.ErrorIs(t, err, ErrFailed)

	for _, tok := range []Token{good, bad} {
		for i := 0; i < 3; i++ {
			_, err := handle.TryGet(tok)
			assert.ErrorIs(t, err, ErrUnknownToken)
		}
	}
}

func TestBuildFailureIsolation(t *testing.T) {
	h := newHarness(t)
	handle := h.ledger.Handle()
	first := handle.Request(common.Vec2{-1, 0})
	second := handle.Request(common.Vec2{0.5, 0.25})

	h.cycle(t)

	_, err := handle.TryGet(first)
	require.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, err, errAlloc)

	out, err := handle.TryGet(second)
	require.NoError(t, err)
	assert.Equal(t, common.Vec4{1, 0.5, 0, 1}, out[0])
	assert.Equal(t, 1, h.r.Stats().Dispatches)
}

func TestSameCycleDispatch(t *testing.T) {
	h := newHarness(t)
	handle := h.ledger.Handle()
	t1 := handle.Request(common.Vec2{1, 0})
	t2 := handle.Request(common.Vec2{0, 1})
	assert.Less(t, t1.Seq(), t2.Seq())

	h.cycle(t)

	stats := h.r.Stats()
	assert.Equal(t, 2, stats.Dispatches)
	assert.Equal(t, 2, stats.Copies)
	assert.Equal(t, 1, stats.Submits)

	out1, err := handle.TryGet(t1)
	require.NoError(t, err)
	out2, err := handle.TryGet(t2)
	require.NoError(t, err)
	assert.Equal(t, common.Vec4{2, 0, 0, 1}, out1[3])
	assert.Equal(t, common.Vec4{0, 2, 0, 1}, out2[3])
}

func TestDeviceLostFailsInFlight(t *testing.T) {
	h := newHarness(t)
	h.r.SetMapDelay(5)
	handle := h.ledger.Handle()
	toks := []Token{handle.Request(common.Vec2{1, 1}), handle.Request(common.Vec2{2, 2})}

	h.cycle(t)
	assert.Equal(t, map[State]int{StateCopyPending: 2}, h.ledger.Counts())

	h.r.LoseDevice()
	h.cycle(t)

	for _, tok := range toks {
		_, err := handle.TryGet(tok)
		require.ErrorIs(t, err, ErrFailed)
		assert.ErrorIs(t, err, renderer.ErrDeviceLost)
	}
	assert.Zero(t, h.r.LiveBuffers(), "staging buffers and request buffers are released")

	late := handle.Request(common.Vec2{3, 3})
	h.cycle(t)
	_, err := handle.TryGet(late)
	assert.ErrorIs(t, err, renderer.ErrDeviceLost)
	assert.True(t, h.p.Stats().DeviceLost)
}

func TestDeviceLostDuringMap(t *testing.T) {
	h := newHarness(t)
	h.r.SetMapDelay(1)
	handle := h.ledger.Handle()
	tok := handle.Request(common.Vec2{1, 1})

	h.cycle(t)
	h.r.LoseDevice()
	h.p.CopyStage().FinishCompute(context.Background())

	_, err := handle.TryGet(tok)
	assert.ErrorIs(t, err, renderer.ErrDeviceLost)
}

func TestMapFailure(t *testing.T) {
	h := newHarness(t)
	h.r.FailMaps(errors.New("map aborted"))
	handle := h.ledger.Handle()
	tok := handle.Request(common.Vec2{1, 1})

	h.cycle(t)

	_, err := handle.TryGet(tok)
	require.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, err, renderer.ErrMapFailed)
	assert.Equal(t, uint64(1), h.p.Stats().Failed)
}

func TestStagingFailure(t *testing.T) {
	h := newHarness(t)
	h.r.FailStaging(errAlloc)
	handle := h.ledger.Handle()
	tok := handle.Request(common.Vec2{1, 1})
	other := handle.Request(common.Vec2{1, 1})

	h.cycle(t)

	for _, tk := range []Token{tok, other} {
		_, err := handle.TryGet(tk)
		assert.ErrorIs(t, err, errAlloc)
	}
	assert.Zero(t, h.r.LiveBuffers())
}

func TestStagingBuffersReused(t *testing.T) {
	h := newHarness(t)
	handle := h.ledger.Handle()

	for i := 0; i < 3; i++ {
		tok := handle.Request(common.Vec2{float32(i), 0})
		h.cycle(t)
		_, err := handle.TryGet(tok)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, h.r.Stats().StagingCreated)
	assert.Equal(t, 1, h.p.Stats().IdleBuffer)
	assert.Equal(t, 1, h.r.LiveBuffers(), "only the idle staging buffer remains")
}

func TestStallLimit(t *testing.T) {
	h := newHarness(t, WithStallLimit(2))
	h.r.SetMapDelay(100)
	handle := h.ledger.Handle()
	tok := handle.Request(common.Vec2{1, 1})

	h.cycle(t)
	h.cycle(t)
	_, err := handle.TryGet(tok)
	require.ErrorIs(t, err, ErrNotReady)

	h.cycle(t)
	_, err = handle.TryGet(tok)
	require.ErrorIs(t, err, ErrFailed)
	assert.ErrorIs(t, err, ErrStalled)
}

func TestMissingCopySrcFailsRequest(t *testing.T) {
	r := renderertest.New()
	p := NewPlugin(r, WithShaderValidation(false), WithWorkers(0, 0))
	t.Cleanup(p.Release)

	c := doubleComponent(t)
	c.PrepareFunc = func(_ common.Vec2, layout Layout, r renderer.Renderer) (bind_group_provider.BindGroupProvider, error) {
		bgp := bind_group_provider.NewBindGroupProvider("no copy src",
			bind_group_provider.WithBindGroupLayout(layout.BindGroupLayout),
			bind_group_provider.WithReadbackBinding(layout.OutputBinding),
		)
		return bgp, r.InitBindGroup(bgp, layout.Descriptor, nil, nil)
	}
	l, err := Register(p, doubleComponentType(c))
	require.NoError(t, err)

	tok := l.Handle().Request(common.Vec2{1, 1})
	h := &harness{r: r, p: p}
	h.cycle(t)

	_, err = l.Take(tok)
	require.ErrorIs(t, err, ErrFailed)
	assert.Contains(t, err.Error(), "CopySrc")
}

func TestParallelExtraction(t *testing.T) {
	h := newHarness(t, WithWorkers(4, 2))
	handle := h.ledger.Handle()

	var toks []Token
	for i := 0; i < 16; i++ {
		toks = append(toks, handle.Request(common.Vec2{float32(i), 1}))
	}
	h.cycle(t)

	for i, tok := range toks {
		out, err := handle.TryGet(tok)
		require.NoError(t, err)
		assert.Equal(t, float32(2*i), out[0][0])
	}
}

func TestStrictPanicsOnUnknownToken(t *testing.T) {
	h := newHarness(t, WithStrict(true))
	handle := h.ledger.Handle()
	tok := handle.Request(common.Vec2{1, 1})
	h.cycle(t)

	_, err := handle.TryGet(tok)
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = handle.TryGet(tok) })
	assert.Panics(t, func() { _, _ = handle.TryGet(Token{}) })
}

func TestReleaseFreesEverything(t *testing.T) {
	h := newHarness(t)
	h.r.SetMapDelay(10)
	handle := h.ledger.Handle()
	handle.Request(common.Vec2{1, 1})
	h.cycle(t)
	handle.Request(common.Vec2{2, 2})
	require.NotZero(t, h.r.LiveBuffers())

	h.p.Release()
	assert.Zero(t, h.r.LiveBuffers())
}

const offsetSource = `
struct Input {
    coord: vec2<f32>,
}

@group(0) @binding(0) var<uniform> input: Input;
//@oxy:readback 0 1
@group(0) @binding(1) var<storage, read_write> output: array<vec4<f32>, 2>;

@compute @workgroup_size(2)
fn offset(@builtin(global_invocation_id) id: vec3<u32>) {
    output[id.x] = vec4<f32>(input.coord + 1.0, 0.0, 1.0);
}
`

// offsetKernel emulates offsetSource: every output element is (x+1, y+1, 0, 1).
func offsetKernel(buffers map[int][]byte) {
	in, out := buffers[0], buffers[1]
	x := math.Float32frombits(binary.LittleEndian.Uint32(in[0:4]))
	y := math.Float32frombits(binary.LittleEndian.Uint32(in[4:8]))
	for i := 0; i+16 <= len(out); i += 16 {
		binary.LittleEndian.PutUint32(out[i:], math.Float32bits(x+1))
		binary.LittleEndian.PutUint32(out[i+4:], math.Float32bits(y+1))
		binary.LittleEndian.PutUint32(out[i+8:], math.Float32bits(0))
		binary.LittleEndian.PutUint32(out[i+12:], math.Float32bits(1))
	}
}

// newTwoKindHarness registers the doubling kind and an offset kind on one plugin.
func newTwoKindHarness(t *testing.T) (*harness, *Ledger[common.Vec2, common.Vec2, []common.Vec4]) {
	t.Helper()
	h := newHarness(t)
	h.r.SetKernel("offset", offsetKernel)

	s, err := shader.NewShaderFromSource("offset", offsetSource)
	require.NoError(t, err)
	c := doubleComponent(t)
	c.Desc.Kind = "offset"
	c.Desc.Shader = s
	c.Desc.OutputSize, c.Desc.ResultSize = 32, 32

	l, err := Register(h.p, doubleComponentType(c))
	require.NoError(t, err)
	require.Equal(t, []string{testKind, "offset"}, h.p.Kinds())
	return h, l
}

func TestMultipleKindsShareCycle(t *testing.T) {
	h, offsets := newTwoKindHarness(t)
	doubles := h.ledger.Handle()
	offs := offsets.Handle()

	d := doubles.Request(common.Vec2{1, 2})
	o := offs.Request(common.Vec2{1, 2})
	assert.Equal(t, "double#1", d.String())
	assert.Equal(t, "offset#1", o.String())

	h.cycle(t)

	dOut, err := doubles.TryGet(d)
	require.NoError(t, err)
	require.Len(t, dOut, testElements)
	assert.Equal(t, common.Vec4{2, 4, 0, 1}, dOut[0])

	oOut, err := offs.TryGet(o)
	require.NoError(t, err)
	require.Len(t, oOut, 2)
	assert.Equal(t, common.Vec4{2, 3, 0, 1}, oOut[1])

	assert.Equal(t, 2, h.r.Stats().Dispatches, "both kinds dispatch in the same cycle")
	assert.Equal(t, 1, h.r.Stats().Submits)
}

func TestDeviceLostFailsEveryKind(t *testing.T) {
	h, offsets := newTwoKindHarness(t)
	h.r.SetMapDelay(5)
	doubles := h.ledger.Handle()
	offs := offsets.Handle()

	d := doubles.Request(common.Vec2{1, 1})
	o := offs.Request(common.Vec2{1, 1})
	h.cycle(t)
	assert.Equal(t, map[State]int{StateCopyPending: 1}, h.ledger.Counts())
	assert.Equal(t, map[State]int{StateCopyPending: 1}, offsets.Counts())

	pendingDouble := doubles.Request(common.Vec2{2, 2})
	pendingOffset := offs.Request(common.Vec2{2, 2})

	h.r.LoseDevice()
	h.cycle(t)

	for _, tc := range []struct {
		name string
		get  func() error
	}{
		{"double in flight", func() error { _, err := doubles.TryGet(d); return err }},
		{"offset in flight", func() error { _, err := offs.TryGet(o); return err }},
		{"double pending", func() error { _, err := doubles.TryGet(pendingDouble); return err }},
		{"offset pending", func() error { _, err := offs.TryGet(pendingOffset); return err }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.get()
			require.ErrorIs(t, err, ErrFailed)
			assert.ErrorIs(t, err, renderer.ErrDeviceLost)
		})
	}
	assert.Zero(t, h.ledger.Len())
	assert.Zero(t, offsets.Len())
	assert.Zero(t, h.r.LiveBuffers())
}
