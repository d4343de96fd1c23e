package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-comics-aggregator/models"
	"github.com/aluiziolira/go-comics-aggregator/parser"
)

var (
	// ErrExporterClosed is returned when Process is called after shutdown.
	ErrExporterClosed = errors.New("pipeline: exporter closed")
	// ErrExporterCloseTimeout is returned when workers fail to drain in time.
	ErrExporterCloseTimeout = errors.New("pipeline: exporter close timed out")
)

// drainTimeout bounds how long Close waits for in-flight batches.
var drainTimeout = 30 * time.Second

const defaultBatchSize = 64

// OutputWriter defines the interface for export output.
type OutputWriter interface {
	Write(records []*models.ItemRecord) error
	Close() error
	Validate() error
}

// Exporter batches aggregated records to an OutputWriter, dropping records
// without a title or detail URL and records already exported.
type Exporter struct {
	ctx       context.Context
	writer    OutputWriter
	recordCh  chan *models.ItemRecord
	batchSize int

	wg sync.WaitGroup

	seen   map[string]struct{}
	seenMu sync.Mutex

	stats exportStats

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewExporter builds an exporter. A non-positive batchSize uses the default.
func NewExporter(ctx context.Context, writer OutputWriter, batchSize int) *Exporter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Exporter{
		ctx:       ctx,
		writer:    writer,
		recordCh:  make(chan *models.ItemRecord, 512),
		batchSize: batchSize,
		seen:      make(map[string]struct{}),
		stats:     newExportStats(),
		shutdown:  make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (e *Exporter) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	if closed, _ := e.state(); closed {
		return
	}

	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Process enqueues records for export.
func (e *Exporter) Process(records ...*models.ItemRecord) error {
	closed, err := e.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrExporterClosed
	}

	for _, r := range records {
		if r == nil {
			continue
		}
		if err := e.enqueue(r); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting records and waits for workers to flush.
func (e *Exporter) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.closeOnce.Do(func() {
		close(e.recordCh)
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		e.signalShutdown()
		return ErrExporterCloseTimeout
	}
	e.signalShutdown()
	return e.Err()
}

// Err returns the first error encountered during processing.
func (e *Exporter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Stats returns a snapshot of the export counters.
func (e *Exporter) Stats() ExportStats {
	return e.stats.snapshot()
}

func (e *Exporter) worker() {
	defer e.wg.Done()

	batch := make([]*models.ItemRecord, 0, e.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.writer.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for r := range e.recordCh {
		if !e.accept(r) {
			continue
		}
		batch = append(batch, r)
		if len(batch) >= e.batchSize {
			if err := flush(); err != nil {
				e.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		e.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (e *Exporter) accept(r *models.ItemRecord) bool {
	candidate := models.CandidateEntry{Title: r.Title, DetailURL: r.DetailURL}
	if err := parser.ValidateCandidate(&candidate); err != nil {
		e.stats.addRejected("invalid_record")
		slog.Debug("export dropped record", slog.String("id", r.ID), slog.Any("error", err))
		return false
	}

	e.seenMu.Lock()
	if _, ok := e.seen[r.DetailURL]; ok {
		e.seenMu.Unlock()
		e.stats.addRejected("duplicate_url")
		return false
	}
	e.seen[r.DetailURL] = struct{}{}
	e.seenMu.Unlock()

	e.stats.incrementExported()
	return true
}

func (e *Exporter) enqueue(r *models.ItemRecord) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrExporterClosed
		}
	}()

	select {
	case <-e.ctx.Done():
		return e.ctx.Err()
	case <-e.shutdown:
		return ErrExporterClosed
	case e.recordCh <- r:
		return nil
	}
}

func (e *Exporter) setErr(err error) {
	e.mu.Lock()
	if e.err != nil {
		e.mu.Unlock()
		return
	}
	e.err = err
	e.closed = true
	e.mu.Unlock()

	e.signalShutdown()
}

func (e *Exporter) state() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed, e.err
}

func (e *Exporter) signalShutdown() {
	e.shutdownOnce.Do(func() {
		close(e.shutdown)
	})
}

// ExportStats is a point-in-time copy of exporter counters.
type ExportStats struct {
	Exported int64
	Rejected map[string]int
}

type exportStats struct {
	mu       sync.Mutex
	exported int64
	rejected map[string]int
}

func newExportStats() exportStats {
	return exportStats{rejected: make(map[string]int)}
}

func (s *exportStats) incrementExported() {
	s.mu.Lock()
	s.exported++
	s.mu.Unlock()
}

func (s *exportStats) addRejected(reason string) {
	s.mu.Lock()
	s.rejected[reason]++
	s.mu.Unlock()
}

func (s *exportStats) snapshot() ExportStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	rejected := make(map[string]int, len(s.rejected))
	for k, v := range s.rejected {
		rejected[k] = v
	}
	return ExportStats{Exported: s.exported, Rejected: rejected}
}
