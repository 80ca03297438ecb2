// Package activity turns connection lifecycle events into device presence
// updates and operator notifications, off the connection's own goroutines.
package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"devicemanager/api_hub/internal/events"
	"devicemanager/api_hub/internal/registry"
	"devicemanager/api_hub/internal/store"
	"devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/cache"
	"devicemanager/pkg/logging"
)

type Kind string

const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
)

// Processing outcomes reported to the Observer.
const (
	OutcomeNotified        = "notified"
	OutcomeSkipped         = "skipped"
	OutcomeStillConnected  = "still_connected"
	OutcomeDirectoryFailed = "directory_failed"
	OutcomeNotifyFailed    = "notify_failed"
	OutcomePanic           = "panic"
)

const (
	defaultHandlerTimeout  = 10 * time.Second
	defaultDisplayCacheTTL = 30 * time.Second
)

// Activity is one connection lifecycle event.
type Activity struct {
	Kind            Kind
	ConnectionID    string
	SubjectID       uuid.UUID
	TenantID        uuid.UUID
	IsDeviceSession bool
	HubName         string
	// DisconnectReason is nil when none was given.
	DisconnectReason *string
	// RemainingConnections is the subject's live connection count right after unregister.
	RemainingConnections int
	OccurredAt           time.Time
}

// Directory is the presence side of the device directory.
type Directory interface {
	SetPresence(ctx context.Context, deviceID uuid.UUID, online bool, at time.Time) error
	DisplayInfo(ctx context.Context, deviceID uuid.UUID) (store.DisplayInfo, error)
}

// Notifier fans a push out to every operator of a tenant.
type Notifier interface {
	NotifyTenant(ctx context.Context, tenantID uuid.UUID, method string, payload any) error
}

// Mirror receives processed presence changes.
type Mirror interface {
	PublishPresence(ctx context.Context, e events.PresenceEvent) error
}

// Live reports the connections a device holds when its activity is processed.
type Live interface {
	ConnectionsFor(subjectID uuid.UUID) []registry.Connection
}

type Observer interface {
	SetQueueDepth(n int)
	ActivityProcessed(kind Kind, outcome string)
}

type nopObserver struct{}

func (nopObserver) SetQueueDepth(int)              {}
func (nopObserver) ActivityProcessed(Kind, string) {}

type Config struct {
	DisplayCacheTTL time.Duration
	HandlerTimeout  time.Duration
	CacheHooks      cache.MetricsHooks
	// Live is consulted before a device is marked offline, so a connection
	// that registered after the disconnect keeps it online.
	Live Live
}

// Pipeline is an unbounded FIFO with exactly one consumer. Publish never
// blocks; activities are processed one at a time in publish order.
type Pipeline struct {
	dir      Directory
	notifier Notifier
	mirror   Mirror
	observer Observer
	logger   logging.Logger
	cfg      Config
	display  *cache.Cache[store.DisplayInfo]

	mu       sync.Mutex
	queue    []Activity
	started  bool
	stopping bool
	wake     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
}

// New creates a pipeline. mirror and observer may be nil.
func New(dir Directory, notifier Notifier, mirror Mirror, cfg Config, observer Observer, logger logging.Logger) *Pipeline {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.DisplayCacheTTL <= 0 {
		cfg.DisplayCacheTTL = defaultDisplayCacheTTL
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Pipeline{
		dir:      dir,
		notifier: notifier,
		mirror:   mirror,
		observer: observer,
		logger:   logger,
		cfg:      cfg,
		display: cache.New[store.DisplayInfo](cache.Options{
			TTL:         cfg.DisplayCacheTTL,
			NegativeTTL: cfg.DisplayCacheTTL,
			MaxEntries:  10000,
		}, cfg.CacheHooks),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Publish enqueues an activity. After Stop it logs and drops.
func (p *Pipeline) Publish(a Activity) {
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.logger.WithFields(logging.Fields{
			"kind":          a.Kind,
			"connection_id": a.ConnectionID,
			"subject_id":    a.SubjectID,
		}).Warn("Activity pipeline stopped, dropping activity")
		return
	}
	p.queue = append(p.queue, a)
	depth := len(p.queue)
	p.mu.Unlock()

	p.observer.SetQueueDepth(depth)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued activities.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Start launches the consumer. Cancelling ctx does not stop it; call Stop.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(runCtx)
}

// Stop refuses new activities and drains the queue until ctx ends.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopping {
		p.stopping = true
		close(p.stopCh)
	}
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		cancel()
		<-p.done
		if n := p.Len(); n > 0 {
			p.logger.WithField("dropped", n).Warn("Activity pipeline stopped before draining")
		}
		return ctx.Err()
	}
}

func (p *Pipeline) next() (Activity, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Activity{}, false, p.stopping
	}
	a := p.queue[0]
	p.queue[0] = Activity{}
	p.queue = p.queue[1:]
	p.observer.SetQueueDepth(len(p.queue))
	return a, true, p.stopping
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	for {
		if ctx.Err() != nil {
			return
		}
		a, ok, stopping := p.next()
		if ok {
			p.process(ctx, a)
			continue
		}
		if stopping {
			return
		}
		select {
		case <-p.wake:
		case <-p.stopCh:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, a Activity) {
	log := p.logger.WithFields(logging.Fields{
		"kind":          a.Kind,
		"hub":           a.HubName,
		"connection_id": a.ConnectionID,
		"subject_id":    a.SubjectID,
		"tenant_id":     a.TenantID,
	})
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("Activity handler panicked")
			p.observer.ActivityProcessed(a.Kind, OutcomePanic)
		}
	}()

	outcome := p.handle(ctx, a, log)
	p.observer.ActivityProcessed(a.Kind, outcome)
}

func (p *Pipeline) handle(ctx context.Context, a Activity, log logging.Entry) string {
	if !a.IsDeviceSession {
		return OutcomeSkipped
	}

	online := a.Kind == KindConnected
	var reason *string
	if a.Kind == KindDisconnected {
		remaining := a.RemainingConnections
		if remaining == 0 && p.cfg.Live != nil {
			remaining = len(p.cfg.Live.ConnectionsFor(a.SubjectID))
		}
		if remaining > 0 {
			log.WithField("remaining", remaining).Debug("Device still has live connections, keeping it online")
			return OutcomeStillConnected
		}
		reason = a.DisconnectReason
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()

	if err := p.dir.SetPresence(ctx, a.SubjectID, online, a.OccurredAt); err != nil {
		log.WithError(err).Warn("Failed to update device presence, skipping notification")
		return OutcomeDirectoryFailed
	}

	info := p.lookupDisplay(ctx, a.SubjectID, log)
	note := devicehub.DeviceStatusNotification{
		DeviceID:     a.SubjectID,
		Online:       online,
		RoomName:     info.RoomName,
		BuildingName: info.BuildingName,
		Reason:       reason,
		Timestamp:    a.OccurredAt,
	}

	outcome := OutcomeNotified
	if err := p.notifier.NotifyTenant(ctx, a.TenantID, devicehub.MethodReceiveDeviceStatus, note); err != nil {
		log.WithError(err).Warn("Failed to notify operators of device status")
		outcome = OutcomeNotifyFailed
	}

	if p.mirror != nil {
		err := p.mirror.PublishPresence(ctx, events.PresenceEvent{
			DeviceID:     a.SubjectID,
			TenantID:     a.TenantID,
			Online:       online,
			Reason:       reason,
			Hub:          a.HubName,
			ConnectionID: a.ConnectionID,
			OccurredAt:   a.OccurredAt,
		})
		if err != nil {
			log.WithError(err).Warn("Failed to mirror presence change")
		}
	}
	return outcome
}

func (p *Pipeline) lookupDisplay(ctx context.Context, deviceID uuid.UUID, log logging.Entry) store.DisplayInfo {
	info, _, err := p.display.Get(ctx, deviceID.String(), func(ctx context.Context, _ string) (store.DisplayInfo, bool, error) {
		info, err := p.dir.DisplayInfo(ctx, deviceID)
		if errors.Is(err, store.ErrDeviceNotFound) {
			return store.DisplayInfo{}, false, nil
		}
		if err != nil {
			return store.DisplayInfo{}, false, err
		}
		return info, true, nil
	})
	if err != nil {
		log.WithError(err).Debug("Display info unavailable")
		return store.DisplayInfo{}
	}
	return info
}
