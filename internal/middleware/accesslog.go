package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/logger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AccessLogEntry represents a single access log entry, one per client connection
type AccessLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	ConnID     string    `json:"conn_id"`
	RemoteAddr string    `json:"remote_addr"`
	SessionID  uint32    `json:"session_id,omitempty"`
	Zone       string    `json:"zone,omitempty"`
	Node       string    `json:"node,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"` // closed, error, timeout, rejected
	FramesIn   int64     `json:"frames_in,omitempty"`
	FramesOut  int64     `json:"frames_out,omitempty"`
	BytesIn    int64     `json:"bytes_in,omitempty"`
	BytesOut   int64     `json:"bytes_out,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// AccessLogger handles access log recording with batching support
type AccessLogger struct {
	logChan       chan *AccessLogEntry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

var (
	// Global access logger instance
	globalAccessLogger *AccessLogger
	globalMu           sync.RWMutex
)

// InitAccessLogger initializes the global access logger
// batchSize: number of logs to accumulate before flushing
// flushInterval: maximum time to wait before flushing
func InitAccessLogger(batchSize int, flushInterval time.Duration) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalAccessLogger != nil {
		return
	}
	globalAccessLogger = &AccessLogger{
		logChan:       make(chan *AccessLogEntry, batchSize*2), // Buffer 2x batch size
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}
	globalAccessLogger.start()
}

// LogAccess records an access log entry
// This is non-blocking - if buffer is full, log is dropped to prevent blocking main flow
func LogAccess(ctx context.Context, entry *AccessLogEntry) {
	// Extract trace context
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		entry.SpanID = span.SpanContext().SpanID().String()
	}
	entry.Timestamp = time.Now()

	globalMu.RLock()
	al := globalAccessLogger
	if al == nil {
		globalMu.RUnlock()
		// Fallback: log directly if access logger not initialized
		logger.L.Info("access_log", entryFields(entry)...)
		return
	}

	// Non-blocking send
	select {
	case al.logChan <- entry:
	default:
		// Buffer full, log warning and drop entry
		logger.L.Warn("access log buffer full, dropping entry",
			zap.String("conn_id", entry.ConnID),
			zap.String("remote_addr", entry.RemoteAddr),
		)
	}
	globalMu.RUnlock()
}

func entryFields(entry *AccessLogEntry) []zap.Field {
	fields := []zap.Field{
		zap.String("conn_id", entry.ConnID),
		zap.String("remote_addr", entry.RemoteAddr),
		zap.Int64("duration_ms", entry.DurationMs),
		zap.String("status", entry.Status),
	}

	if entry.TraceID != "" {
		fields = append(fields, zap.String("trace_id", entry.TraceID))
	}
	if entry.SpanID != "" {
		fields = append(fields, zap.String("span_id", entry.SpanID))
	}
	if entry.SessionID != 0 {
		fields = append(fields, zap.Uint32("session_id", entry.SessionID))
	}
	if entry.Zone != "" {
		fields = append(fields, zap.String("zone", entry.Zone))
	}
	if entry.Node != "" {
		fields = append(fields, zap.String("node", entry.Node))
	}
	if entry.FramesIn > 0 {
		fields = append(fields, zap.Int64("frames_in", entry.FramesIn))
	}
	if entry.FramesOut > 0 {
		fields = append(fields, zap.Int64("frames_out", entry.FramesOut))
	}
	if entry.BytesIn > 0 {
		fields = append(fields, zap.Int64("bytes_in", entry.BytesIn))
	}
	if entry.BytesOut > 0 {
		fields = append(fields, zap.Int64("bytes_out", entry.BytesOut))
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	return fields
}

// start starts the batch processing goroutine
func (al *AccessLogger) start() {
	al.wg.Add(1)
	go al.processBatches()
}

// processBatches processes access logs in batches
func (al *AccessLogger) processBatches() {
	defer al.wg.Done()

	batch := make([]*AccessLogEntry, 0, al.batchSize)
	ticker := time.NewTicker(al.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-al.stopChan:
			// Drain whatever is still buffered, then flush
			for {
				select {
				case entry := <-al.logChan:
					batch = append(batch, entry)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				al.flushBatch(batch)
			}
			return
		case entry := <-al.logChan:
			batch = append(batch, entry)
			if len(batch) >= al.batchSize {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// flushBatch flushes a batch of access logs
func (al *AccessLogger) flushBatch(batch []*AccessLogEntry) {
	for _, entry := range batch {
		logger.L.Info("access_log", entryFields(entry)...)
	}
}

// ShutdownAccessLogger flushes and stops the global access logger
func ShutdownAccessLogger() {
	globalMu.Lock()
	al := globalAccessLogger
	globalAccessLogger = nil
	globalMu.Unlock()

	if al != nil {
		close(al.stopChan)
		al.wg.Wait()
	}
}
