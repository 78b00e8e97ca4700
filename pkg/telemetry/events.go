package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one notification emitted by the decision engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RequestID is the associated override request or decision request
	// id, if applicable.
	RequestID string `json:"request_id,omitempty"`

	// SubjectReference is the subject the event concerns, if applicable.
	SubjectReference string `json:"subject_reference,omitempty"`

	// Actor is the principal that triggered the event, if applicable.
	Actor string `json:"actor,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event type constants.
const (
	EventTypeDecisionEvaluated = "decision.evaluated"
	EventTypeDecisionDenied    = "decision.denied"
	EventTypeLockdownAlert     = "decision.lockdown"
	EventTypeOverrideRequested = "override_requested"
	EventTypeOverrideApproved  = "override_approved"
	EventTypeOverrideUsed      = "override_used"
	EventTypeOverrideRevoked   = "override_revoked"
	EventTypeBundleReloaded    = "bundle.reloaded"
)

// Event level constants.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. Delivery
// is best-effort: a full buffer drops the event rather than blocking
// the caller, so publishing never stalls an override state transition.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given
// configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishOverrideRequested publishes an override_requested notification.
func (ep *EventPublisher) PublishOverrideRequested(requestID, subjectRef, actor string) {
	_ = ep.Publish(Event{
		Type:             EventTypeOverrideRequested,
		Source:           "override",
		RequestID:        requestID,
		SubjectReference: subjectRef,
		Actor:            actor,
		Message:          fmt.Sprintf("Override %s requested by %s", requestID, actor),
		Level:            EventLevelWarning,
	})
}

// PublishOverrideApproved publishes an override_approved notification.
func (ep *EventPublisher) PublishOverrideApproved(requestID, subjectRef, actor string) {
	_ = ep.Publish(Event{
		Type:             EventTypeOverrideApproved,
		Source:           "override",
		RequestID:        requestID,
		SubjectReference: subjectRef,
		Actor:            actor,
		Message:          fmt.Sprintf("Override %s approved by %s", requestID, actor),
		Level:            EventLevelWarning,
	})
}

// PublishOverrideUsed publishes an override_used notification.
func (ep *EventPublisher) PublishOverrideUsed(requestID, subjectRef, actor string) {
	_ = ep.Publish(Event{
		Type:             EventTypeOverrideUsed,
		Source:           "override",
		RequestID:        requestID,
		SubjectReference: subjectRef,
		Actor:            actor,
		Message:          fmt.Sprintf("Override %s consumed", requestID),
		Level:            EventLevelWarning,
	})
}

// PublishOverrideRevoked publishes an override_revoked notification.
func (ep *EventPublisher) PublishOverrideRevoked(requestID, subjectRef, actor string) {
	_ = ep.Publish(Event{
		Type:             EventTypeOverrideRevoked,
		Source:           "override",
		RequestID:        requestID,
		SubjectReference: subjectRef,
		Actor:            actor,
		Message:          fmt.Sprintf("Override %s revoked by %s", requestID, actor),
		Level:            EventLevelWarning,
	})
}

// PublishLockdownAlert publishes the immediate out-of-band alert raised
// when a lockdown-severity verdict is produced.
func (ep *EventPublisher) PublishLockdownAlert(decisionID, subjectRef string) {
	_ = ep.Publish(Event{
		Type:             EventTypeLockdownAlert,
		Source:           "response",
		RequestID:        decisionID,
		SubjectReference: subjectRef,
		Message:          fmt.Sprintf("Lockdown verdict for decision %s", decisionID),
		Level:            EventLevelError,
	})
}

// PublishDecision publishes a decision.evaluated or decision.denied
// event.
func (ep *EventPublisher) PublishDecision(decisionID, severity string, allowed bool) {
	eventType := EventTypeDecisionEvaluated
	level := EventLevelInfo
	if !allowed {
		eventType = EventTypeDecisionDenied
		level = EventLevelWarning
	}
	_ = ep.Publish(Event{
		Type:      eventType,
		Source:    "engine",
		RequestID: decisionID,
		Message:   fmt.Sprintf("Decision %s evaluated: severity=%s allowed=%t", decisionID, severity, allowed),
		Level:     level,
		Data: map[string]interface{}{
			"severity": severity,
			"allowed":  allowed,
		},
	})
}

// PublishBundleReloaded publishes a bundle.reloaded event.
func (ep *EventPublisher) PublishBundleReloaded(name, version string, ruleCount int) {
	_ = ep.Publish(Event{
		Type:    EventTypeBundleReloaded,
		Source:  "loader",
		Message: fmt.Sprintf("Bundle %s@%s loaded with %d rules", name, version, ruleCount),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"bundle":  name,
			"version": version,
			"rules":   ruleCount,
		},
	})
}

// processEvents drains the buffer and delivers events to subscribers.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case <-ep.ctx.Done():
			// Drain remaining events before stopping.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		}
	}
}

// deliverEvent delivers one event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	subscribers := make([]subscriberEntry, len(ep.subscribers))
	copy(subscribers, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Close stops the publisher and waits for in-flight deliveries.
func (ep *EventPublisher) Close() error {
	if ep == nil || !ep.config.Enabled || ep.cancel == nil {
		return nil
	}
	ep.cancel()
	ep.wg.Wait()
	return nil
}
