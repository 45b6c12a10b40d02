// Package state implements the correlation-scoped key/value store with
// change notification and bounded history that coordinates workflow runs.
package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// ChangesTopic is the in-process topic every state mutation is published on.
const ChangesTopic = "loom.state.changes"

// WatchAll matches every key (or every correlation id, as a pattern).
const WatchAll = "*"

const (
	defaultHistoryCapacity = 1000
	defaultMaxNotify       = 32
	outputChannelBuffer    = 1024
)

// WatchFunc receives matching state changes. It runs on a dispatch goroutine,
// never on the mutating caller's goroutine.
type WatchFunc func(change Change)

// watcher is deactivated permanently if its callback panics.
type watcher struct {
	id      string
	key     string
	pattern string
	fn      WatchFunc
	active  atomic.Bool
}

func (w *watcher) matches(change Change) bool {
	if !w.active.Load() {
		return false
	}

	if w.key != WatchAll && w.key != change.Key {
		return false
	}

	return w.pattern == WatchAll || w.pattern == change.CorrelationID
}

// Config tunes a Store. Zero values take the defaults.
type Config struct {
	// HistoryCapacity bounds the change history; oldest entries are
	// silently dropped past the capacity.
	HistoryCapacity int

	// MaxConcurrentNotify bounds the watcher fan-out goroutines.
	MaxConcurrentNotify int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Correlations int    `json:"correlations"`
	Keys         int    `json:"keys"`
	Watchers     int    `json:"watchers"`
	HistorySize  int    `json:"history_size"`
	Sets         uint64 `json:"sets"`
	Updates      uint64 `json:"updates"`
	Deletes      uint64 `json:"deletes"`
}

// CorrelationSummary is a read-only projection derived from one
// correlation's history.
type CorrelationSummary struct {
	CorrelationID  string   `json:"correlation_id"`
	CompletedSteps []string `json:"completed_steps"`
	ErrorCount     int      `json:"error_count"`
	Status         string   `json:"status"` // in_progress, completed, failed, error
}

// Store is a two-level map (correlation id -> key -> value) guarded by one
// lock. Mutations publish a Change through an in-process pub/sub channel; a
// dispatcher goroutine fans the change out to matching watchers so a slow
// callback never stalls the mutating caller.
type Store struct {
	logger *slog.Logger
	pubsub *gochannel.GoChannel
	cancel context.CancelFunc
	sem    chan struct{}
	now    func() time.Time

	mu         sync.Mutex
	data       map[string]map[string]any
	history    []Change
	historyCap int
	watchers   []*watcher
	pending    map[string]Change
	closed     bool

	sets    uint64
	updates uint64
	deletes uint64
}

// NewStore creates a store and starts its change dispatcher.
func NewStore(logger *slog.Logger, cfg Config) *Store {
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = defaultHistoryCapacity
	}

	if cfg.MaxConcurrentNotify <= 0 {
		cfg.MaxConcurrentNotify = defaultMaxNotify
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger = logger.With("module", "state_store")

	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: outputChannelBuffer},
		watermill.NewSlogLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())

	store := &Store{
		logger:     logger,
		pubsub:     pubsub,
		cancel:     cancel,
		sem:        make(chan struct{}, cfg.MaxConcurrentNotify),
		now:        cfg.Now,
		data:       make(map[string]map[string]any),
		historyCap: cfg.HistoryCapacity,
		pending:    make(map[string]Change),
	}

	messages, err := pubsub.Subscribe(ctx, ChangesTopic)
	if err != nil {
		// gochannel subscriptions only fail once the pubsub is closed.
		logger.Error("Failed to subscribe to change topic", "error", err)
		cancel()

		return store
	}

	go store.dispatch(messages)

	return store
}

// Close stops the dispatcher. Watchers already in flight finish.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	s.mu.Unlock()

	s.cancel()

	return s.pubsub.Close()
}

// Set writes a value under a correlation id and key, recording and
// broadcasting the resulting change.
func (s *Store) Set(correlationID, key string, value any) {
	s.mu.Lock()

	bucket, ok := s.data[correlationID]
	if !ok {
		bucket = make(map[string]any)
		s.data[correlationID] = bucket
	}

	old, existed := bucket[key]
	bucket[key] = copyValue(value)

	changeType := ChangeTypeSet
	if existed {
		changeType = ChangeTypeUpdate
		s.updates++
	} else {
		s.sets++
	}

	change := Change{
		CorrelationID: correlationID,
		Key:           key,
		OldValue:      old,
		NewValue:      copyValue(value),
		Timestamp:     s.now(),
		Type:          changeType,
	}

	s.recordLocked(change)
	s.mu.Unlock()

	s.publish(change)
}

// Get returns an independent copy of the stored value; callers cannot mutate
// store state through the result.
func (s *Store) Get(correlationID, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.data[correlationID]
	if !ok {
		return nil, false
	}

	value, ok := bucket[key]
	if !ok {
		return nil, false
	}

	return copyValue(value), true
}

// Has reports whether the key exists under the correlation id.
func (s *Store) Has(correlationID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.data[correlationID]
	if !ok {
		return false
	}

	_, ok = bucket[key]

	return ok
}

// Delete removes a key, recording and broadcasting a delete change. It
// reports whether the key existed.
func (s *Store) Delete(correlationID, key string) bool {
	s.mu.Lock()

	bucket, ok := s.data[correlationID]
	if !ok {
		s.mu.Unlock()

		return false
	}

	old, existed := bucket[key]
	if !existed {
		s.mu.Unlock()

		return false
	}

	delete(bucket, key)

	if len(bucket) == 0 {
		delete(s.data, correlationID)
	}

	s.deletes++

	change := Change{
		CorrelationID: correlationID,
		Key:           key,
		OldValue:      old,
		Timestamp:     s.now(),
		Type:          ChangeTypeDelete,
	}

	s.recordLocked(change)
	s.mu.Unlock()

	s.publish(change)

	return true
}

// GetAll returns an independent copy of every key under the correlation id.
func (s *Store) GetAll(correlationID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.data[correlationID]
	out := make(map[string]any, len(bucket))

	for key, value := range bucket {
		out[key] = copyValue(value)
	}

	return out
}

// CleanupCorrelation drops a correlation's entire bucket without emitting
// per-key changes. History entries for the correlation are kept. Returns the
// number of keys removed.
func (s *Store) CleanupCorrelation(correlationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.data[correlationID]
	if !ok {
		return 0
	}

	removed := len(bucket)
	delete(s.data, correlationID)

	s.logger.Debug("Cleaned up correlation", "correlation_id", correlationID, "keys", removed)

	return removed
}

// Watch registers a callback for changes to key (or every key when key is
// "*"), filtered by correlation pattern ("*" or an exact correlation id).
// It returns the watcher id for Unwatch.
func (s *Store) Watch(key, correlationPattern string, fn WatchFunc) string {
	w := &watcher{
		id:      uuid.New().String(),
		key:     key,
		pattern: correlationPattern,
		fn:      fn,
	}
	w.active.Store(true)

	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	return w.id
}

// Unwatch removes a watcher by id, reporting whether it existed.
func (s *Store) Unwatch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.watchers {
		if w.id == id {
			w.active.Store(false)
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)

			return true
		}
	}

	return false
}

// GetHistory returns the recorded changes for a correlation id in original
// temporal order. An empty correlation id returns the full history; a
// positive limit keeps only the most recent entries.
func (s *Store) GetHistory(correlationID string, limit int) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Change, 0, len(s.history))

	for _, change := range s.history {
		if correlationID == "" || change.CorrelationID == correlationID {
			out = append(out, change)
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}

	return out
}

// GetStats returns a snapshot of store counters.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := 0
	for _, bucket := range s.data {
		keys += len(bucket)
	}

	return Stats{
		Correlations: len(s.data),
		Keys:         keys,
		Watchers:     len(s.watchers),
		HistorySize:  len(s.history),
		Sets:         s.sets,
		Updates:      s.updates,
		Deletes:      s.deletes,
	}
}

// GetCorrelationData derives a read-only summary of one correlation's run by
// scanning its history: which steps recorded results, how many errors were
// written, and the inferred overall status.
func (s *Store) GetCorrelationData(correlationID string) CorrelationSummary {
	history := s.GetHistory(correlationID, 0)

	summary := CorrelationSummary{
		CorrelationID: correlationID,
		Status:        "in_progress",
	}

	seen := make(map[string]bool)
	latestStatus := ""

	for _, change := range history {
		switch {
		case change.Key == KeyJobStatus && change.Type != ChangeTypeDelete:
			if status, ok := change.NewValue.(string); ok {
				latestStatus = status
			}
		case change.Key == KeyJobError && change.Type != ChangeTypeDelete:
			summary.ErrorCount++
		case strings.HasPrefix(change.Key, stepKeyPrefix) && change.Type != ChangeTypeDelete:
			name := strings.TrimPrefix(change.Key, stepKeyPrefix)
			if !seen[name] {
				seen[name] = true
				summary.CompletedSteps = append(summary.CompletedSteps, name)
			}
		}
	}

	switch {
	case latestStatus == "completed":
		summary.Status = "completed"
	case latestStatus == "failed":
		summary.Status = "failed"
	case summary.ErrorCount > 0:
		summary.Status = "error"
	}

	return summary
}

func (s *Store) recordLocked(change Change) {
	s.history = append(s.history, change)
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
}

// publish hands the change to the dispatcher through the pub/sub channel.
// The change struct itself travels via the pending table keyed by message id;
// the JSON payload exists for logging and external taps on the topic.
func (s *Store) publish(change Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}

	msgID := uuid.New().String()
	s.pending[msgID] = change
	s.mu.Unlock()

	payload, err := json.Marshal(change)
	if err != nil {
		payload = []byte("{}")
	}

	if err := s.pubsub.Publish(ChangesTopic, message.NewMessage(msgID, payload)); err != nil {
		s.logger.Error("Failed to publish state change", "error", err, "key", change.Key)

		s.mu.Lock()
		delete(s.pending, msgID)
		s.mu.Unlock()
	}
}

func (s *Store) dispatch(messages <-chan *message.Message) {
	for msg := range messages {
		s.mu.Lock()
		change, ok := s.pending[msg.UUID]
		delete(s.pending, msg.UUID)

		targets := make([]*watcher, 0, len(s.watchers))
		if ok {
			for _, w := range s.watchers {
				if w.matches(change) {
					targets = append(targets, w)
				}
			}
		}
		s.mu.Unlock()

		for _, w := range targets {
			s.sem <- struct{}{}

			go s.notify(w, change)
		}

		msg.Ack()
	}
}

// notify invokes one watcher. A panicking callback poisons the watcher: it is
// marked inactive and never reinvoked, and the panic does not reach the
// producer or other watchers.
func (s *Store) notify(w *watcher, change Change) {
	defer func() {
		<-s.sem

		if r := recover(); r != nil {
			w.active.Store(false)
			s.logger.Error("Watcher callback panicked, deactivating watcher",
				"watcher_id", w.id, "key", w.key, "panic", r)
		}
	}()

	w.fn(change)
}

// copyValue deep-copies maps and slices so stored state cannot be mutated
// through values handed to or from callers.
func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = copyValue(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}

		return out
	default:
		return value
	}
}
