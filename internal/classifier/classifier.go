package classifier

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHistorySize bounds the error history when no size is configured.
const DefaultHistorySize = 100

// ErrorRecord is one classified inbound gateway error. Records are
// immutable once built.
type ErrorRecord struct {
	RequestID  int64           `json:"request_id"`
	Code       int             `json:"code"`
	Message    string          `json:"message"`
	Reject     json.RawMessage `json:"reject,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Categories []Category      `json:"categories"`
}

// Callback receives classified error records.
type Callback func(ErrorRecord)

type registration struct {
	id string
	fn Callback
}

// Classifier maps inbound gateway errors onto semantic categories, keeps a
// bounded FIFO history and fans each record out to the callbacks registered
// under CategoryAny plus every matched category.
type Classifier struct {
	logger *zap.Logger

	mu          sync.Mutex
	history     []ErrorRecord
	historySize int
	callbacks   map[Category][]registration
}

// New creates a classifier with the given history capacity;
// historySize <= 0 selects DefaultHistorySize.
func New(logger *zap.Logger, historySize int) *Classifier {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Classifier{
		logger:      logger.Named("classifier"),
		history:     make([]ErrorRecord, 0, historySize),
		historySize: historySize,
		callbacks:   make(map[Category][]registration),
	}
}

// HandleError classifies one inbound error. It never fails: logging,
// history append and callback fan-out are all best-effort, and a panicking
// callback is recovered and logged without stopping the others.
func (c *Classifier) HandleError(requestID int64, code int, message string, reject json.RawMessage) {
	rec := ErrorRecord{
		RequestID:  requestID,
		Code:       code,
		Message:    message,
		Reject:     reject,
		Timestamp:  time.Now(),
		Categories: Classify(code),
	}

	c.logRecord(rec)

	c.mu.Lock()
	if len(c.history) >= c.historySize {
		c.history = c.history[1:]
	}
	c.history = append(c.history, rec)

	// Copy the matching registrations so callbacks run outside the lock.
	cbs := make([]registration, 0, 4)
	cbs = append(cbs, c.callbacks[CategoryAny]...)
	for _, cat := range rec.Categories {
		cbs = append(cbs, c.callbacks[cat]...)
	}
	c.mu.Unlock()

	for _, reg := range cbs {
		c.invoke(reg, rec)
	}
}

// RegisterCallback adds fn under category and returns the registration id
// used to remove it. Callbacks fire in registration order within their
// category.
func (c *Classifier) RegisterCallback(category Category, fn Callback) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	c.callbacks[category] = append(c.callbacks[category], registration{id: id, fn: fn})

	c.logger.Debug("error callback registered",
		zap.String("category", string(category)),
		zap.String("callback_id", id))
	return id
}

// UnregisterCallback removes the registration id from category. Returns
// false if no such registration exists.
func (c *Classifier) UnregisterCallback(category Category, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs := c.callbacks[category]
	for i, reg := range regs {
		if reg.id == id {
			c.callbacks[category] = append(regs[:i], regs[i+1:]...)
			c.logger.Debug("error callback unregistered",
				zap.String("category", string(category)),
				zap.String("callback_id", id))
			return true
		}
	}
	return false
}

// History returns a snapshot copy of the error history, oldest first.
func (c *Classifier) History() []ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ErrorRecord, len(c.history))
	copy(out, c.history)
	return out
}

// ClearHistory drops all recorded errors.
func (c *Classifier) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = c.history[:0]
}

func (c *Classifier) invoke(reg registration, rec ErrorRecord) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("error callback panicked",
				zap.String("callback_id", reg.id),
				zap.Int("code", rec.Code),
				zap.Any("panic", r))
		}
	}()
	reg.fn(rec)
}

func (c *Classifier) logRecord(rec ErrorRecord) {
	fields := []zap.Field{
		zap.Int64("req_id", rec.RequestID),
		zap.Int("code", rec.Code),
		zap.String("message", rec.Message),
		zap.Strings("categories", categoryNames(rec.Categories)),
	}

	switch {
	case IsConnectivityRestored(rec.Code):
		c.logger.Info("gateway connectivity restored", fields...)
	case isInformational(rec.Code):
		c.logger.Info("gateway notice", fields...)
	case IsConnectivityLost(rec.Code):
		c.logger.Warn("gateway connectivity lost", fields...)
	case hasCategory(rec.Categories, CategoryWarning):
		c.logger.Warn("gateway warning", fields...)
	case len(rec.Categories) == 0:
		c.logger.Error("unclassified gateway error", fields...)
	default:
		c.logger.Error("gateway error", fields...)
	}
}

func hasCategory(cats []Category, want Category) bool {
	for _, cat := range cats {
		if cat == want {
			return true
		}
	}
	return false
}

func categoryNames(cats []Category) []string {
	names := make([]string, len(cats))
	for i, cat := range cats {
		names[i] = string(cat)
	}
	return names
}
