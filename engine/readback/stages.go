package readback

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-readback/engine/renderer"
	"github.com/cogentcore/webgpu/wgpu"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// copyJob follows one dispatched request from its output copy to its resolve.
type copyJob struct {
	kind    kind
	token   Token
	source  *wgpu.Buffer
	size    uint64
	staging *wgpu.Buffer
	cycle   uint64

	// done and err are written by the map callback, which runs inside Renderer.Poll.
	done atomic.Bool
	err  error
}

func (j *copyJob) onMapped(err error) {
	j.err = err
	j.done.Store(true)
}

// DispatchStage is the render-side node that builds and dispatches pending requests.
type DispatchStage struct {
	p *Plugin
}

// CopyStage is the render-side node that copies dispatched outputs into staging buffers, maps them
// once the device has finished, and relays decoded results to the ledgers.
type CopyStage struct {
	p *Plugin
}

// DispatchStage returns the plugin's dispatch node. Run it inside the compute frame before CopyStage.
func (p *Plugin) DispatchStage() *DispatchStage {
	return &DispatchStage{p: p}
}

// CopyStage returns the plugin's copy-and-map node. Run it inside the compute frame after
// DispatchStage; its FinishCompute must run after the frame is submitted.
func (p *Plugin) CopyStage() *CopyStage {
	return &CopyStage{p: p}
}

// PrepareCompute builds every Pending request of every kind, then records a dispatch for every built
// request and queues its output for the copy stage. A request submitted before this call is
// dispatched and copied in the same compute frame. Build and dispatch failures fail only the request
// they belong to.
//
// Parameters:
//   - ctx: the render cycle context
//   - dt: the render delta time in seconds (unused)
func (s *DispatchStage) PrepareCompute(ctx context.Context, _ float32) {
	p := s.p
	_, span := p.tracer.Start(ctx, "readback.dispatch")
	defer span.End()

	p.mu.Lock()
	kinds := make([]kind, 0, len(p.order))
	for _, name := range p.order {
		kinds = append(kinds, p.kinds[name])
	}
	lost := p.lost || p.r.DeviceLost()
	p.mu.Unlock()

	if lost {
		s.p.deviceLost(ctx)
		span.SetStatus(codes.Error, renderer.ErrDeviceLost.Error())
		return
	}

	var (
		jobs                  []*copyJob
		built, failed, queued int
	)
	for _, k := range kinds {
		b, f := k.build()
		built += b
		failed += f

		kindJobs, f := k.dispatch()
		failed += f
		jobs = append(jobs, kindJobs...)
	}
	queued = len(jobs)

	p.mu.Lock()
	p.queued = append(p.queued, jobs...)
	p.mu.Unlock()

	span.SetAttributes(
		attribute.Int("readback.built", built),
		attribute.Int("readback.dispatched", queued),
		attribute.Int("readback.failed", failed),
	)
	if built+failed+queued > 0 {
		Logger().Debug("readback: dispatch", "built", built, "dispatched", queued, "failed", failed)
	}
}

// PrepareCompute records a copy of every queued output buffer into a staging buffer of the result
// size. Staging buffers are reused from earlier cycles when one of the right size is idle.
//
// Parameters:
//   - ctx: the render cycle context
//   - dt: the render delta time in seconds (unused)
func (s *CopyStage) PrepareCompute(ctx context.Context, _ float32) {
	p := s.p
	_, span := p.tracer.Start(ctx, "readback.copy")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lost {
		return
	}

	recorded := 0
	for _, j := range p.queued {
		staging, err := p.acquireStagingLocked(j.size)
		if err != nil {
			j.kind.fail(j.token, fmt.Errorf("staging %s: %w", j.token, err))
			continue
		}
		if err := p.r.CopyBufferToBuffer(j.source, staging, j.size); err != nil {
			p.recycleStagingLocked(staging, j.size)
			j.kind.fail(j.token, fmt.Errorf("copy %s: %w", j.token, err))
			continue
		}
		j.staging = staging
		j.cycle = p.cycle
		p.recorded = append(p.recorded, j)
		recorded++
	}
	clear(p.queued)
	p.queued = p.queued[:0]

	span.SetAttributes(attribute.Int("readback.copies", recorded))
}

// FinishCompute runs after the compute frame is submitted. It requests a read map of every staging
// buffer copied this cycle, polls the device once without waiting, and resolves every request whose
// map completed. Maps still outstanding are checked again on the next cycle. If the device is lost,
// every in-flight request of every kind fails with renderer.ErrDeviceLost.
//
// Parameters:
//   - ctx: the render cycle context
func (s *CopyStage) FinishCompute(ctx context.Context) {
	p := s.p
	ctx, span := p.tracer.Start(ctx, "readback.map")
	defer span.End()

	p.mu.Lock()
	lost := p.lost
	requested := 0
	for _, j := range p.recorded {
		if lost {
			break
		}
		if err := p.r.MapRead(j.staging, j.size, j.onMapped); err != nil {
			if errors.Is(err, renderer.ErrDeviceLost) {
				lost = true
				break
			}
			requested++
			p.r.ReleaseBuffer(j.staging)
			j.kind.finish(j.token, nil, fmt.Errorf("map %s: %w", j.token, err))
			continue
		}
		requested++
		p.mapping = append(p.mapping, j)
	}
	// Jobs left in recorded still own their staging buffers; deviceLost releases them.
	clear(p.recorded[:requested])
	p.recorded = p.recorded[requested:]
	p.mu.Unlock()

	if lost {
		p.deviceLost(ctx)
		span.SetStatus(codes.Error, renderer.ErrDeviceLost.Error())
		return
	}

	p.r.Poll()

	p.mu.Lock()
	resolved, failed := 0, 0
	remaining := p.mapping[:0]
	for _, j := range p.mapping {
		if !j.done.Load() {
			if p.stallLimit > 0 && p.cycle-j.cycle >= p.stallLimit {
				p.r.ReleaseBuffer(j.staging)
				if j.kind.finish(j.token, nil, fmt.Errorf("%w: %s unmapped after %d cycles", ErrStalled, j.token, p.cycle-j.cycle)) {
					failed++
				}
				continue
			}
			remaining = append(remaining, j)
			continue
		}

		if j.err != nil {
			if errors.Is(j.err, renderer.ErrDeviceLost) {
				lost = true
			}
			p.r.ReleaseBuffer(j.staging)
			if j.kind.finish(j.token, nil, j.err) {
				failed++
			}
			continue
		}

		data, err := p.r.ReadMapped(j.staging, j.size)
		if err != nil {
			p.r.ReleaseBuffer(j.staging)
		} else {
			p.recycleStagingLocked(j.staging, j.size)
		}
		if j.kind.finish(j.token, data, err) {
			if err == nil {
				resolved++
			} else {
				failed++
			}
		}
	}
	clear(p.mapping[len(remaining):])
	p.mapping = remaining
	p.cycle++
	lost = lost || p.r.DeviceLost()
	p.mu.Unlock()

	span.SetAttributes(
		attribute.Int("readback.resolved", resolved),
		attribute.Int("readback.failed", failed),
		attribute.Int("readback.outstanding", len(remaining)),
	)
	if resolved+failed > 0 {
		Logger().Debug("readback: relay", "resolved", resolved, "failed", failed, "outstanding", len(remaining))
	}

	if lost {
		p.deviceLost(ctx)
		span.SetStatus(codes.Error, renderer.ErrDeviceLost.Error())
	}
}

// deviceLost fails every in-flight request of every kind and drops the outstanding staging buffers.
func (p *Plugin) deviceLost(ctx context.Context) {
	p.mu.Lock()
	first := !p.lost
	p.lost = true
	p.dropJobsLocked()
	kinds := make([]kind, 0, len(p.order))
	for _, name := range p.order {
		kinds = append(kinds, p.kinds[name])
	}
	p.mu.Unlock()

	failed := 0
	for _, k := range kinds {
		failed += k.failInFlight(renderer.ErrDeviceLost)
	}
	if first || failed > 0 {
		Logger().ErrorContext(ctx, "readback: device lost", "failed", failed)
	}
}

// dropJobsLocked releases the staging buffers of every job not yet resolved and forgets the jobs.
func (p *Plugin) dropJobsLocked() {
	for _, j := range p.recorded {
		p.r.ReleaseBuffer(j.staging)
	}
	for _, j := range p.mapping {
		p.r.ReleaseBuffer(j.staging)
	}
	p.queued, p.recorded, p.mapping = nil, nil, nil
}

func (p *Plugin) acquireStagingLocked(size uint64) (*wgpu.Buffer, error) {
	if bufs := p.staging[size]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		p.staging[size] = bufs[:len(bufs)-1]
		return buf, nil
	}
	return p.r.CreateStagingBuffer(fmt.Sprintf("Readback Staging %d", size), size)
}

func (p *Plugin) recycleStagingLocked(buf *wgpu.Buffer, size uint64) {
	if len(p.staging[size]) >= p.stagingPoolSize {
		p.r.ReleaseBuffer(buf)
		return
	}
	p.staging[size] = append(p.staging[size], buf)
}
