// Package reporter keeps the relay informed of this device's position for
// one group while sharing is enabled. Delivery is best effort per sample;
// correctness comes from the keep-alive resend and the next natural fix,
// so the latest position is never lost even when individual sends are.
package reporter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bwise1/groupbeacon/internal/channel"
	"github.com/bwise1/groupbeacon/internal/model"
	"github.com/bwise1/groupbeacon/internal/session"
	"github.com/bwise1/groupbeacon/util"
)

// ErrPermissionDenied is returned by Start when the position source
// refuses access. Terminal for that Start call; the reporter stays
// Stopped and nothing is retried automatically.
var ErrPermissionDenied = errors.New("reporter: location permission denied")

// ErrAlreadySharing is returned by Start when sharing is already active.
var ErrAlreadySharing = errors.New("reporter: already sharing")

// DefaultKeepAlive is the resend interval guarding against updates missed
// by the relay during reconnect windows.
const DefaultKeepAlive = 30 * time.Second

// State of the reporter.
type State int

const (
	Stopped State = iota
	Acquiring
	Sharing
)

func (s State) String() string {
	switch s {
	case Acquiring:
		return "acquiring"
	case Sharing:
		return "sharing"
	default:
		return "stopped"
	}
}

// Position is one fix from the positioning sensor.
type Position struct {
	Lat       float64
	Lng       float64
	Heading   *float64
	Accuracy  *float64
	Timestamp int64 // milliseconds since epoch
}

// Subscription is an active position watch.
type Subscription interface {
	Stop()
}

// PositionSource abstracts the device positioning sensor.
type PositionSource interface {
	// RequestPermission returns ErrPermissionDenied (possibly wrapped)
	// when the user refuses.
	RequestPermission(ctx context.Context) error
	// Watch delivers position changes to fn until the subscription stops.
	Watch(ctx context.Context, fn func(Position)) (Subscription, error)
}

// PushChannel is the low-latency delivery path.
type PushChannel interface {
	Connected() bool
	Emit(event string, payload interface{}) error
}

// FallbackPoster is the HTTP delivery path used when the channel is down.
type FallbackPoster interface {
	PostLocation(ctx context.Context, groupID string, sample model.LocationSample) error
}

// PreferenceStore persists the per-group auto-resume flag.
type PreferenceStore interface {
	SharingPreference(groupID string) (bool, error)
	SetSharingPreference(groupID string, persist bool) error
}

// Reporter is the sharing-device side of the relay protocol.
type Reporter struct {
	sess     session.Session
	source   PositionSource
	channel  PushChannel
	fallback FallbackPoster
	prefs    PreferenceStore
	log      *slog.Logger

	keepAlive time.Duration

	mu    sync.Mutex
	state State
	last  *model.LocationSample
	sub   Subscription
	stop  chan struct{}
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithKeepAlive overrides the keep-alive resend interval.
func WithKeepAlive(d time.Duration) Option {
	return func(r *Reporter) { r.keepAlive = d }
}

// New builds a reporter for the given session. prefs may be nil when
// persistence is not wanted (e.g. one-off CLI runs).
func New(sess session.Session, source PositionSource, ch PushChannel, fallback FallbackPoster, prefs PreferenceStore, opts ...Option) *Reporter {
	r := &Reporter{
		sess:      sess,
		source:    source,
		channel:   ch,
		fallback:  fallback,
		prefs:     prefs,
		log:       slog.Default().With("component", "reporter", "group", sess.GroupID),
		keepAlive: DefaultKeepAlive,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current reporter state.
func (r *Reporter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Last returns the retained last-known sample, or nil before the first
// fix. The sample survives Stop so sharing can resume within a session.
func (r *Reporter) Last() *model.LocationSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	return &cp
}

// Start moves Stopped -> Acquiring -> Sharing. Permission denial is
// surfaced to the caller and leaves the reporter Stopped with no
// subscription created.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Stopped {
		r.mu.Unlock()
		return ErrAlreadySharing
	}
	r.state = Acquiring
	r.mu.Unlock()

	if err := r.source.RequestPermission(ctx); err != nil {
		r.mu.Lock()
		r.state = Stopped
		r.mu.Unlock()
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return errors.Wrap(ErrPermissionDenied, err.Error())
	}

	sub, err := r.source.Watch(ctx, r.onPosition)
	if err != nil {
		r.mu.Lock()
		r.state = Stopped
		r.mu.Unlock()
		return errors.Wrap(err, "failed to start position watch")
	}

	r.mu.Lock()
	r.sub = sub
	r.stop = make(chan struct{})
	r.state = Sharing
	stop := r.stop
	r.mu.Unlock()

	go r.keepAliveLoop(stop)
	r.log.Info("location sharing started")
	return nil
}

// Stop cancels the position subscription and the keep-alive timer
// synchronously. The last-known sample is retained.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.state != Sharing {
		r.mu.Unlock()
		return
	}
	sub := r.sub
	stop := r.stop
	r.sub = nil
	r.stop = nil
	r.state = Stopped
	r.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	if stop != nil {
		close(stop)
	}
	r.log.Info("location sharing stopped")
}

// onPosition is the position-change callback. It records the sample and
// hands delivery off without blocking the subscription.
func (r *Reporter) onPosition(pos Position) {
	sample := model.LocationSample{
		UserID:    r.sess.UserID,
		GroupID:   r.sess.GroupID,
		Lat:       pos.Lat,
		Lng:       pos.Lng,
		Heading:   pos.Heading,
		Accuracy:  pos.Accuracy,
		Timestamp: pos.Timestamp,
	}
	if sample.Timestamp == 0 {
		sample.Timestamp = time.Now().UnixMilli()
	}
	if err := util.ValidateStruct(sample); err != nil {
		r.log.Warn("dropping invalid position sample", "error", err)
		return
	}

	r.mu.Lock()
	if r.state != Sharing {
		r.mu.Unlock()
		return
	}
	r.last = &sample
	r.mu.Unlock()

	go r.deliver(sample)
}

// deliver attempts the push channel first and falls back to the HTTP path
// when the channel reports not-connected. Both paths are best effort:
// failures are logged, never retried per sample.
func (r *Reporter) deliver(sample model.LocationSample) {
	if r.channel != nil && r.channel.Connected() {
		err := r.channel.Emit(model.EventGroupLocationUpdate, sample)
		if err == nil {
			return
		}
		if !errors.Is(err, channel.ErrChannelUnavailable) {
			r.log.Warn("push delivery failed, trying fallback", "error", err)
		}
	}

	if r.fallback == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.fallback.PostLocation(ctx, sample.GroupID, sample); err != nil {
		r.log.Warn("fallback delivery failed", "error", err)
	}
}

// keepAliveLoop re-delivers the last known sample on a fixed interval,
// guarding against the relay missing an update around a reconnect.
func (r *Reporter) keepAliveLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			sharing := r.state == Sharing
			var sample *model.LocationSample
			if r.last != nil {
				cp := *r.last
				sample = &cp
			}
			r.mu.Unlock()
			if sharing && sample != nil {
				r.log.Debug("keep-alive resend")
				r.deliver(*sample)
			}
		}
	}
}

// HandleReconnect re-emits the last known sample as soon as the channel
// comes back, instead of waiting for the next natural fix. Wire this to
// the channel's reconnect hook, after the room join.
func (r *Reporter) HandleReconnect() {
	r.mu.Lock()
	sharing := r.state == Sharing
	var sample *model.LocationSample
	if r.last != nil {
		cp := *r.last
		sample = &cp
	}
	r.mu.Unlock()

	if sharing && sample != nil {
		go r.deliver(*sample)
	}
}

// SetPersist records whether sharing should auto-resume for this group on
// restart. Turning it off deletes the stored flag.
func (r *Reporter) SetPersist(persist bool) error {
	if r.prefs == nil {
		return nil
	}
	return r.prefs.SetSharingPreference(r.sess.GroupID, persist)
}

// Resume starts sharing when the persisted preference asks for it.
// Returns true when sharing was started.
func (r *Reporter) Resume(ctx context.Context) (bool, error) {
	if r.prefs == nil {
		return false, nil
	}
	persist, err := r.prefs.SharingPreference(r.sess.GroupID)
	if err != nil || !persist {
		return false, err
	}
	if err := r.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}
