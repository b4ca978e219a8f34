// Package relay moves input events between capture and application. A
// pipeline is a bounded queue drained by a single worker: the sending side
// encodes each event and writes it to the secure channel, the receiving
// side hands it to the local input sink. The queue never blocks a
// submitter; when it is full the event is dropped and counted.
package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"kmshare/models"
)

const (
	// DefaultQueueCapacity bounds the number of events waiting for the worker.
	DefaultQueueCapacity = 1000
	// DefaultInterEventDelay is the pause between dispatched events. It caps
	// the peak output rate and smooths bursts.
	DefaultInterEventDelay = 10 * time.Millisecond
	// DefaultDrainWindow bounds how long Stop keeps dispatching queued events.
	DefaultDrainWindow = 2 * time.Second
)

// Transport is the sending half of a secure channel. *network.SecureChannel
// satisfies it.
type Transport interface {
	SendInputEvent(event models.InputEvent) error
	LocalDeviceID() string
	RemoteDeviceID() string
}

// Options tunes one pipeline instance.
type Options struct {
	QueueCapacity   int
	InterEventDelay time.Duration
	DrainWindow     time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.InterEventDelay <= 0 {
		o.InterEventDelay = DefaultInterEventDelay
	}
	if o.DrainWindow <= 0 {
		o.DrainWindow = DefaultDrainWindow
	}
	return o
}

// Pipeline is a bounded event queue with one worker goroutine. Build one
// per connection with NewSendPipeline or NewApplyPipeline; both start the
// worker immediately.
type Pipeline struct {
	options  Options
	queue    chan models.InputEvent
	dispatch func(models.InputEvent) error

	transport Transport
	sink      Sink

	mu       sync.Mutex
	running  bool
	sequence uint64
	pressed  map[uint16]uint16

	// lastSequence is touched only by the worker goroutine.
	lastSequence uint64

	metrics *metrics

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewSendPipeline builds the master-side pipeline for one connection.
// Submitted events get a monotonically increasing sequence number and are
// written to the transport as input_event messages. Key presses without a
// confirmed release are tracked so Stop can synthesize the releases and
// leave no key stuck on the remote device.
func NewSendPipeline(transport Transport, options Options) *Pipeline {
	p := newPipeline(options)
	p.transport = transport
	p.pressed = make(map[uint16]uint16)
	p.dispatch = p.sendEvent
	go p.worker()
	return p
}

// NewApplyPipeline builds the client-side pipeline for one connection.
// Events must arrive with strictly increasing sequence numbers; duplicates
// and out-of-order arrivals are recorded and dropped, never applied twice.
func NewApplyPipeline(sink Sink, options Options) *Pipeline {
	p := newPipeline(options)
	p.sink = sink
	p.dispatch = p.applyEvent
	go p.worker()
	return p
}

func newPipeline(options Options) *Pipeline {
	options = options.withDefaults()
	return &Pipeline{
		options: options,
		queue:   make(chan models.InputEvent, options.QueueCapacity),
		running: true,
		metrics: newMetrics(),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Submit offers one event to the pipeline and never blocks. It returns
// false, counting the failure, when the event is structurally invalid for
// its kind, the pipeline has stopped, or the queue is full. On the sending
// side acceptance assigns the event's sequence number and stamps missing
// device ids from the transport.
func (p *Pipeline) Submit(event models.InputEvent) bool {
	if err := event.Validate(); err != nil {
		p.metrics.recordFailure(err.Error())
		return false
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		p.metrics.recordFailure("pipeline stopped")
		return false
	}
	if p.transport != nil {
		event.Sequence = p.sequence + 1
		if event.SourceDeviceID == "" {
			event.SourceDeviceID = p.transport.LocalDeviceID()
		}
		if event.TargetDeviceID == "" {
			event.TargetDeviceID = p.transport.RemoteDeviceID()
		}
	}

	// The enqueue happens under the lock so sequence numbers enter the
	// queue in assignment order even with concurrent submitters.
	select {
	case p.queue <- event:
		if p.transport != nil {
			p.sequence++
		}
		p.mu.Unlock()
		p.metrics.recordAccepted(event.Kind)
		return true
	default:
		p.mu.Unlock()
		p.metrics.recordFailure(fmt.Sprintf("queue full, %s dropped", event.Kind))
		return false
	}
}

// Snapshot returns a copy of the pipeline's counters.
func (p *Pipeline) Snapshot() Snapshot {
	return p.metrics.snapshot()
}

// ResetMetrics zeroes all counters and the recent error ring. The pipeline
// itself keeps running.
func (p *Pipeline) ResetMetrics() {
	p.metrics.reset()
}

// Stop refuses further submissions, drains queued events best-effort within
// the drain window, synthesizes releases for keys still held on the sending
// side, and waits for the worker to exit. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(p.stopped)
	})
	<-p.done
}

func (p *Pipeline) worker() {
	defer close(p.done)
	for {
		select {
		case <-p.stopped:
			p.drain()
			p.releasePressedKeys()
			return
		case event := <-p.queue:
			p.handle(event)
		}

		timer := time.NewTimer(p.options.InterEventDelay)
		select {
		case <-timer.C:
		case <-p.stopped:
			timer.Stop()
			p.drain()
			p.releasePressedKeys()
			return
		}
	}
}

func (p *Pipeline) handle(event models.InputEvent) {
	if err := p.dispatch(event); err != nil {
		p.metrics.recordFailure(err.Error())
		return
	}
	p.metrics.recordApplied()
}

func (p *Pipeline) drain() {
	deadline := time.Now().Add(p.options.DrainWindow)
	for time.Now().Before(deadline) {
		select {
		case event := <-p.queue:
			p.handle(event)
			time.Sleep(p.options.InterEventDelay)
		default:
			return
		}
	}
}

// sendEvent writes one event to the transport. A successful key press is
// remembered until its release goes out.
func (p *Pipeline) sendEvent(event models.InputEvent) error {
	if err := p.transport.SendInputEvent(event); err != nil {
		return fmt.Errorf("send %s: %w", event.Kind, err)
	}

	p.mu.Lock()
	switch event.Kind {
	case models.EventKeyPress:
		p.pressed[event.KeyCode] = event.Modifiers
	case models.EventKeyRelease:
		delete(p.pressed, event.KeyCode)
	}
	p.mu.Unlock()
	return nil
}

// applyEvent validates ordering and hands one event to the sink. The
// sequence advances once ordering passes, so a later duplicate of a failed
// apply is still dropped.
func (p *Pipeline) applyEvent(event models.InputEvent) error {
	if event.Sequence <= p.lastSequence {
		return fmt.Errorf("sequence %d arrived after %d, %s dropped",
			event.Sequence, p.lastSequence, event.Kind)
	}
	p.lastSequence = event.Sequence

	var err error
	switch event.Kind {
	case models.EventKeyPress:
		err = p.sink.ApplyKey(event.KeyCode, true)
	case models.EventKeyRelease:
		err = p.sink.ApplyKey(event.KeyCode, false)
	case models.EventMouseMove:
		err = p.sink.MoveMouse(event.X, event.Y)
	case models.EventMouseClick:
		err = p.sink.ClickMouse(event.Button, event.ClickCount)
	case models.EventMouseScroll:
		err = p.sink.Scroll(event.ScrollDelta)
	default:
		err = fmt.Errorf("unknown event kind %q", event.Kind)
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", event.Kind, err)
	}
	return nil
}

// releasePressedKeys sends a synthesized key_release for every key whose
// press went out but whose release never did. Runs on the worker after the
// final drain.
func (p *Pipeline) releasePressedKeys() {
	if p.transport == nil {
		return
	}

	p.mu.Lock()
	codes := make([]uint16, 0, len(p.pressed))
	for code := range p.pressed {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	p.mu.Unlock()

	for _, code := range codes {
		p.mu.Lock()
		modifiers := p.pressed[code]
		p.sequence++
		release := models.NewKeyRelease(code, modifiers)
		release.Sequence = p.sequence
		release.SourceDeviceID = p.transport.LocalDeviceID()
		release.TargetDeviceID = p.transport.RemoteDeviceID()
		p.mu.Unlock()

		p.metrics.recordAccepted(release.Kind)
		p.handle(release)
	}
}
