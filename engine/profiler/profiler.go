package profiler

import (
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Source contributes a segment to the profiler's log line, e.g. readback throughput.
type Source interface {
	// ProfileStats returns the segment to append to the log line.
	//
	// Returns:
	//   - string: a short "Name: value | value" summary
	ProfileStats() string
}

// Profiler tracks render cycle rate and memory statistics for performance monitoring.
// Outputs stats to the log at a configurable interval, followed by every registered Source.
type Profiler struct {
	mu             *sync.Mutex
	cycleCount     int
	lastTime       time.Time
	updateInterval time.Duration
	memStats       runtime.MemStats
	lastGCCount    uint32
	lastTotalAlloc uint64
	sources        []Source
	lastLine       string
}

// NewProfiler creates a new Profiler with default settings.
// Update interval defaults to 1 second.
//
// Parameters:
//   - sources: optional sources whose stats are appended to every log line
//
// Returns:
//   - *Profiler: the newly created profiler instance
func NewProfiler(sources ...Source) *Profiler {
	return &Profiler{
		mu:             &sync.Mutex{},
		cycleCount:     0,
		lastTime:       time.Now(),
		updateInterval: time.Second,
		memStats:       runtime.MemStats{},
		sources:        sources,
	}
}

// AddSource registers a source whose stats are appended to every log line.
//
// Parameters:
//   - s: the source to add
func (p *Profiler) AddSource(s Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources = append(p.sources, s)
}

// SetInterval changes how often stats are logged.
//
// Parameters:
//   - d: the update interval (values <= 0 are ignored)
func (p *Profiler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateInterval = d
}

// LastLine returns the most recently logged stats line.
func (p *Profiler) LastLine() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastLine
}

// Tick should be called once per render cycle to track cycle timing.
// Logs performance statistics when the update interval has elapsed.
// Statistics include: cycles per second, heap usage, allocation rate, GC count/pause times, total memory,
// and every registered Source.
//
// Returns:
//   - bool: true if stats were logged this tick, false otherwise
func (p *Profiler) Tick() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cycleCount++
	currentTime := time.Now()
	elapsed := currentTime.Sub(p.lastTime)

	if elapsed >= p.updateInterval {
		cps := float64(p.cycleCount) / elapsed.Seconds()

		runtime.ReadMemStats(&p.memStats)
		// Alloc: Bytes of allocated heap objects (live memory)
		// TotalAlloc: Cumulative bytes allocated for heap objects (increases forever, tracks churn)
		// Sys: Total bytes of memory obtained from the OS (actual process footprint)
		allocMB := float64(p.memStats.Alloc) / 1024 / 1024
		sysMB := float64(p.memStats.Sys) / 1024 / 1024

		// Calculate allocation rate (MB/sec)
		allocDelta := p.memStats.TotalAlloc - p.lastTotalAlloc
		allocRateMB := float64(allocDelta) / 1024 / 1024 / elapsed.Seconds()

		// Calculate GC pause stats (last pause and max recent pause)
		gcCount := p.memStats.NumGC
		var lastPauseUs, maxPauseUs uint64
		if gcCount > 0 {
			// PauseNs is a circular buffer of last 256 GC pauses
			lastPauseUs = p.memStats.PauseNs[(gcCount-1)%256] / 1000

			// Find max pause since last tick
			startIdx := p.lastGCCount
			if gcCount-startIdx > 256 {
				startIdx = gcCount - 256
			}
			for i := startIdx; i < gcCount; i++ {
				pause := p.memStats.PauseNs[i%256] / 1000
				if pause > maxPauseUs {
					maxPauseUs = pause
				}
			}
		}

		var b strings.Builder
		fmt.Fprintf(&b, "CPS: %.2f | Heap: %.2f MB | Alloc Rate: %.2f MB/s | GC: %d (last: %d µs, max: %d µs) | Sys: %.2f MB",
			cps, allocMB, allocRateMB, gcCount, lastPauseUs, maxPauseUs, sysMB)
		for _, src := range p.sources {
			b.WriteString(" | ")
			b.WriteString(src.ProfileStats())
		}
		p.lastLine = b.String()
		log.Printf("[Profiler] %s", p.lastLine)

		p.cycleCount = 0
		p.lastTime = currentTime
		p.lastGCCount = gcCount
		p.lastTotalAlloc = p.memStats.TotalAlloc
		return true
	}

	return false
}
