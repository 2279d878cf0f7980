package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	domrepo "github.com/WayB98/TIWatcher/internal/domain/repository"
	applogger "github.com/WayB98/TIWatcher/pkg/logger"
	"github.com/WayB98/TIWatcher/pkg/util"
)

// Export outcomes as recorded in metrics.
const (
	ExportOK      = "ok"
	ExportRetry   = "retry"
	ExportFailed  = "failed"
	ExportDropped = "dropped"
)

// ExportPipeline sits between ingestion and the export sinks. Submit never
// blocks the caller; a background worker delivers each committed batch to
// every sink, retrying with backoff.
type ExportPipeline struct {
	sinks       []domrepo.ExportSink
	metrics     domrepo.Metrics
	l           *applogger.Logger
	bufSize     int
	bufCh       chan models.BatchOutcome
	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	started     bool
	stopped     bool
	mu          sync.Mutex
}

type PipelineOption func(*ExportPipeline)

// WithBufferSize sets how many batches may wait for delivery.
func WithBufferSize(n int) PipelineOption {
	return func(p *ExportPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithMaxAttempts caps delivery attempts per sink and batch.
func WithMaxAttempts(n int) PipelineOption {
	return func(p *ExportPipeline) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

func WithBackoff(min, max time.Duration) PipelineOption {
	return func(p *ExportPipeline) {
		p.backoffMin, p.backoffMax = min, max
	}
}

func WithLogger(l *applogger.Logger) PipelineOption {
	return func(p *ExportPipeline) {
		if l != nil {
			p.l = l
		}
	}
}

// NewExportPipeline creates a new pipeline.
func NewExportPipeline(sinks []domrepo.ExportSink, metrics domrepo.Metrics, opts ...PipelineOption) *ExportPipeline {
	p := &ExportPipeline{
		sinks:       sinks,
		metrics:     metrics,
		l:           applogger.Nop(),
		bufSize:     1000,
		maxAttempts: 5,
		backoffMin:  50 * time.Millisecond,
		backoffMax:  2 * time.Second,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.BatchOutcome, p.bufSize)
	return p
}

// Sinks reports the configured sink names.
func (p *ExportPipeline) Sinks() []string {
	names := make([]string, len(p.sinks))
	for i, s := range p.sinks {
		names[i] = s.Name()
	}
	return names
}

// Submit queues outcome for export. It returns false when the batch was
// dropped because the buffer is full or the pipeline has stopped.
func (p *ExportPipeline) Submit(outcome models.BatchOutcome) bool {
	if len(p.sinks) == 0 {
		return true
	}
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		p.metrics.RecordExport("pipeline", ExportDropped)
		return false
	}

	select {
	case p.bufCh <- outcome:
		return true
	default:
		p.metrics.RecordExport("pipeline", ExportDropped)
		p.metrics.RecordError("export_buffer_full")
		return false
	}
}

// Start launches the delivery worker.
func (p *ExportPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		defer close(p.doneCh)
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case outcome := <-p.bufCh:
				p.deliver(ctx, outcome, p.maxAttempts)
			}
		}
	}()
}

// Stop ends the worker and makes one delivery attempt for whatever is still
// buffered, for as long as ctx allows.
func (p *ExportPipeline) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	close(p.stopCh)
	if started {
		select {
		case <-p.doneCh:
		case <-ctx.Done():
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case outcome := <-p.bufCh:
			p.deliver(ctx, outcome, 1)
		default:
			return
		}
	}
}

func (p *ExportPipeline) deliver(ctx context.Context, outcome models.BatchOutcome, attempts int) {
	for _, sink := range p.sinks {
		start := time.Now()
		err := p.exportWithRetry(ctx, sink, outcome, attempts)
		if err != nil {
			p.metrics.RecordExport(sink.Name(), ExportFailed)
			p.l.Error("export failed",
				applogger.String("sink", sink.Name()),
				applogger.String("host", outcome.Host),
				applogger.Int("connections", len(outcome.Connections)),
				applogger.Error(err),
			)
			continue
		}
		p.metrics.RecordExport(sink.Name(), ExportOK)
		p.metrics.RecordLatency("export_"+sink.Name(), time.Since(start).Seconds())
	}
}

func (p *ExportPipeline) exportWithRetry(ctx context.Context, sink domrepo.ExportSink, outcome models.BatchOutcome, attempts int) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = sink.Export(ctx, outcome); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		p.metrics.RecordExport(sink.Name(), ExportRetry)
		p.l.Warn("export retry",
			applogger.String("sink", sink.Name()),
			applogger.Int("attempt", attempt),
			applogger.Error(err),
		)

		t := time.NewTimer(util.Backoff(p.backoffMin, p.backoffMax, attempt))
		select {
		case <-t.C:
		case <-p.stopCh:
			t.Stop()
			return err
		case <-ctx.Done():
			t.Stop()
			return err
		}
	}
	return err
}
