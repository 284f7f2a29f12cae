package session

import (
	"sync"
	"time"

	"github.com/omochice/chatlink/internal/clock"
	"github.com/omochice/chatlink/internal/metrics"
)

// spikeSampler runs spike detection on a fixed cadence so streaks count
// elapsed ticks, and keeps the latest reports for the getters.
type spikeSampler struct {
	clock    clock.Clock
	detector *metrics.SpikeDetector
	rates    *metrics.RateWindowTracker
	cats     *metrics.CategoryTracker
	interval time.Duration

	mu         sync.Mutex
	events     metrics.SpikeReport
	categories metrics.SpikeReport
	timer      clock.Timer
	gen        uint64
	running    bool
}

// sample runs one detection pass over the current rates.
func (p *spikeSampler) sample() {
	events := p.detector.Detect(p.rates.Export())
	categories := p.detector.DetectCategories(p.cats.Export())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = events
	p.categories = categories
}

func (p *spikeSampler) latest() (metrics.SpikeReport, metrics.SpikeReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneReport(p.events), cloneReport(p.categories)
}

func (p *spikeSampler) start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	p.tick(gen)
}

func (p *spikeSampler) tick(gen uint64) {
	p.mu.Lock()
	if !p.running || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.sample()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && gen == p.gen {
		p.timer = p.clock.AfterFunc(p.interval, func() { p.tick(gen) })
	}
}

func (p *spikeSampler) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func cloneReport(r metrics.SpikeReport) metrics.SpikeReport {
	r.Items = append([]metrics.SpikeItem(nil), r.Items...)
	return r
}
