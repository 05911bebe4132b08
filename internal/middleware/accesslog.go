package middleware

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SkynetNext/ws-gateway/internal/logger"
)

// AccessLogEntry is one HTTP request or one finished WebSocket session
type AccessLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"` // http, ws
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
	Method     string    `json:"method,omitempty"`
	Path       string    `json:"path,omitempty"`
	Status     int       `json:"status,omitempty"`
	ConnID     string    `json:"conn_id,omitempty"`
	AppID      string    `json:"app_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	BytesOut   int64     `json:"bytes_out,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// AccessLogger writes access log entries in batches off the request path
type AccessLogger struct {
	logChan       chan *AccessLogEntry
	batchSize     int
	flushInterval time.Duration
	sink          func([]*AccessLogEntry)
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

var (
	globalMu           sync.RWMutex
	globalAccessLogger *AccessLogger
)

// NewAccessLogger starts a batching logger. A nil sink writes entries to the
// global zap logger.
func NewAccessLogger(batchSize int, flushInterval time.Duration, sink func([]*AccessLogEntry)) *AccessLogger {
	if batchSize <= 0 {
		batchSize = 100
	}
	if sink == nil {
		sink = writeToLog
	}
	al := &AccessLogger{
		logChan:       make(chan *AccessLogEntry, batchSize*2),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		sink:          sink,
		stopChan:      make(chan struct{}),
	}
	al.wg.Add(1)
	go al.processBatches()
	return al
}

// InitAccessLogger installs the global access logger
func InitAccessLogger(batchSize int, flushInterval time.Duration) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalAccessLogger == nil {
		globalAccessLogger = NewAccessLogger(batchSize, flushInterval, nil)
	}
}

// ShutdownAccessLogger flushes and stops the global access logger
func ShutdownAccessLogger() {
	globalMu.Lock()
	al := globalAccessLogger
	globalAccessLogger = nil
	globalMu.Unlock()
	if al != nil {
		al.Close()
	}
}

// LogAccess records entry through the global access logger, or directly
// when none is installed
func LogAccess(ctx context.Context, entry *AccessLogEntry) {
	globalMu.RLock()
	al := globalAccessLogger
	globalMu.RUnlock()

	if al == nil {
		stamp(ctx, entry)
		writeToLog([]*AccessLogEntry{entry})
		return
	}
	al.Log(ctx, entry)
}

// Log queues entry. It never blocks; entries are dropped when the buffer is full.
func (al *AccessLogger) Log(ctx context.Context, entry *AccessLogEntry) {
	stamp(ctx, entry)
	select {
	case al.logChan <- entry:
	default:
		logger.L.Warn("access log buffer full, dropping entry",
			zap.String("remote_addr", entry.RemoteAddr),
			zap.String("kind", entry.Kind))
	}
}

// Close flushes queued entries and stops the batcher
func (al *AccessLogger) Close() {
	al.stopOnce.Do(func() { close(al.stopChan) })
	al.wg.Wait()
}

func stamp(ctx context.Context, entry *AccessLogEntry) {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		entry.TraceID = sc.TraceID().String()
		entry.SpanID = sc.SpanID().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
}

func (al *AccessLogger) processBatches() {
	defer al.wg.Done()

	batch := make([]*AccessLogEntry, 0, al.batchSize)
	ticker := time.NewTicker(al.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			al.sink(batch)
			batch = make([]*AccessLogEntry, 0, al.batchSize)
		}
	}

	for {
		select {
		case <-al.stopChan:
			for {
				select {
				case entry := <-al.logChan:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		case entry := <-al.logChan:
			batch = append(batch, entry)
			if len(batch) >= al.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func writeToLog(batch []*AccessLogEntry) {
	for _, entry := range batch {
		fields := []zap.Field{
			zap.String("kind", entry.Kind),
			zap.String("remote_addr", entry.RemoteAddr),
			zap.Int64("duration_ms", entry.DurationMs),
		}
		if entry.TraceID != "" {
			fields = append(fields, zap.String("trace_id", entry.TraceID), zap.String("span_id", entry.SpanID))
		}
		if entry.Method != "" {
			fields = append(fields, zap.String("method", entry.Method), zap.String("path", entry.Path))
		}
		if entry.Status != 0 {
			fields = append(fields, zap.Int("status", entry.Status))
		}
		if entry.ConnID != "" {
			fields = append(fields,
				zap.String("conn_id", entry.ConnID),
				zap.String("app_id", entry.AppID),
				zap.String("user_id", entry.UserID))
		}
		if entry.BytesOut > 0 {
			fields = append(fields, zap.Int64("bytes_out", entry.BytesOut))
		}
		if entry.Outcome != "" {
			fields = append(fields, zap.String("outcome", entry.Outcome))
		}
		if entry.Error != "" {
			fields = append(fields, zap.String("error", entry.Error))
		}
		logger.L.Info("access_log", fields...)
	}
}
