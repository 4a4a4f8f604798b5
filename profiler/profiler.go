// Package profiler - Lightweight runtime profiling for evaluation runs.
package profiler

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Options configures the profiler.
type Options struct {
	// SampleInterval specifies how often to collect runtime samples
	// (default: 250ms).
	SampleInterval time.Duration
	// MaxSamples specifies the maximum number of samples to keep
	// (default: 600).
	MaxSamples int
}

// Profiler samples runtime statistics in the background and tracks named
// operation timings. It is safe for concurrent use.
type Profiler struct {
	sampleInterval time.Duration
	maxSamples     int

	mu        sync.Mutex
	startTime time.Time
	running   bool
	done      chan struct{}
	wg        sync.WaitGroup
	samples   []sample
	ops       map[string]*opTimer
}

type sample struct {
	timestamp  time.Time
	goroutines int
	heapAlloc  uint64
}

type opTimer struct {
	total time.Duration
	min   time.Duration
	max   time.Duration
	count int64
}

// New creates a profiler with the specified options.
func New(opts Options) *Profiler {
	if opts.SampleInterval == 0 {
		opts.SampleInterval = 250 * time.Millisecond
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 600
	}
	return &Profiler{
		sampleInterval: opts.SampleInterval,
		maxSamples:     opts.MaxSamples,
		ops:            map[string]*opTimer{},
	}
}

// Start begins background sampling. Calling Start on a running profiler is
// a no-op.
func (p *Profiler) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.startTime = time.Now()
	p.done = make(chan struct{})
	p.wg.Add(1)
	go p.sampleLoop(p.done)
}

// Stop ends background sampling.
func (p *Profiler) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Profiler) sampleLoop(done chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			p.mu.Lock()
			p.samples = append(p.samples, sample{
				timestamp:  time.Now(),
				goroutines: runtime.NumGoroutine(),
				heapAlloc:  mem.HeapAlloc,
			})
			if len(p.samples) > p.maxSamples {
				p.samples = p.samples[len(p.samples)-p.maxSamples:]
			}
			p.mu.Unlock()
		}
	}
}

// StartOperation starts timing a named operation and returns the function
// that stops the timer.
func (p *Profiler) StartOperation(name string) func() {
	started := time.Now()
	return func() {
		elapsed := time.Since(started)
		p.mu.Lock()
		defer p.mu.Unlock()
		timer, ok := p.ops[name]
		if !ok {
			timer = &opTimer{min: elapsed, max: elapsed}
			p.ops[name] = timer
		}
		timer.total += elapsed
		timer.count++
		if elapsed < timer.min {
			timer.min = elapsed
		}
		if elapsed > timer.max {
			timer.max = elapsed
		}
	}
}

// Report renders a summary of operation timings and the latest runtime
// sample.
func (p *Profiler) Report() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "profile: uptime=%s", time.Since(p.startTime).Round(time.Millisecond))
	if len(p.samples) > 0 {
		last := p.samples[len(p.samples)-1]
		fmt.Fprintf(&b, " goroutines=%d heap=%.1fMB",
			last.goroutines, float64(last.heapAlloc)/(1024*1024))
	}
	b.WriteString("\n")

	names := make([]string, 0, len(p.ops))
	for name := range p.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		timer := p.ops[name]
		avg := timer.total / time.Duration(timer.count)
		fmt.Fprintf(&b, "  %-32s count=%d avg=%s min=%s max=%s\n",
			name, timer.count,
			avg.Round(time.Microsecond),
			timer.min.Round(time.Microsecond),
			timer.max.Round(time.Microsecond))
	}
	return b.String()
}
