// Package aggregator reconstructs group member state on an observing
// device from two feeds: push events (fresh, may be missed) and periodic
// pulls (slow, authoritative). Stale-but-present always beats empty.
package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bwise1/groupbeacon/internal/channel"
	"github.com/bwise1/groupbeacon/internal/geo"
	"github.com/bwise1/groupbeacon/internal/model"
	"github.com/bwise1/groupbeacon/internal/session"
)

// DefaultPollInterval is the locations-pull backstop against missed push
// events.
const DefaultPollInterval = 10 * time.Second

// PullClient is the authoritative REST feed.
type PullClient interface {
	MembersWithLocations(ctx context.Context, groupID string) ([]model.GroupMember, error)
	Locations(ctx context.Context, groupID string) (map[string]model.LocationSample, error)
}

// RosterCache persists the last good roster so a transient fetch error
// never empties the view.
type RosterCache interface {
	CachedRoster(groupID string) ([]model.GroupMember, error)
	SetCachedRoster(groupID string, members []model.GroupMember) error
	PurgeGroup(groupID string) error
}

// Notifier surfaces one-shot signals to the UI layer.
type Notifier interface {
	MemberJoined(displayName string)
	GeofenceViolation(v model.GeofenceViolation)
	GroupDeleted(groupID string)
}

// SharingControl is the piece of the reporter the aggregator may tear
// down on group deletion.
type SharingControl interface {
	Stop()
}

// MemberView is a roster entry enriched with locally computed geofence
// membership for marker coloring. Distance fields are nil when the group
// has no fence or the member has no location.
type MemberView struct {
	model.GroupMember
	DistanceFromCenter *float64
	InWorkArea         *bool
}

// Aggregator merges push and pull into a consistent per-member view.
type Aggregator struct {
	sess     session.Session
	client   PullClient
	cache    RosterCache
	notifier Notifier
	reporter SharingControl
	log      *slog.Logger

	pollInterval time.Duration
	trailLen     int

	mu        sync.Mutex
	members   []model.GroupMember
	locations map[string]model.LocationSample
	trails    map[string]*geo.Trail
	fence     *geo.Geofence
	deleted   bool

	pollStop chan struct{}
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPollInterval overrides the locations poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(a *Aggregator) { a.pollInterval = d }
}

// WithTrailLen bounds the per-member breadcrumb trail.
func WithTrailLen(n int) Option {
	return func(a *Aggregator) { a.trailLen = n }
}

// WithSharingControl attaches the reporter torn down on group_deleted.
func WithSharingControl(r SharingControl) Option {
	return func(a *Aggregator) { a.reporter = r }
}

// New builds an aggregator for the session's group. cache and notifier
// may be nil.
func New(sess session.Session, client PullClient, cache RosterCache, notifier Notifier, opts ...Option) *Aggregator {
	a := &Aggregator{
		sess:         sess,
		client:       client,
		cache:        cache,
		notifier:     notifier,
		log:          slog.Default().With("component", "aggregator", "group", sess.GroupID),
		pollInterval: DefaultPollInterval,
		trailLen:     geo.DefaultTrailLen,
		locations:    make(map[string]model.LocationSample),
		trails:       make(map[string]*geo.Trail),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetGeofence supplies the work-area fence used for local marker
// coloring. Usually derived from GroupInfo.
func (a *Aggregator) SetGeofence(f geo.Geofence) {
	a.mu.Lock()
	a.fence = &f
	a.mu.Unlock()
}

// LoadMembers replaces the roster from the authoritative pull. On failure
// it falls back to the cached snapshot; a populated roster is never
// emptied by a failed fetch.
func (a *Aggregator) LoadMembers(ctx context.Context) error {
	members, err := a.client.MembersWithLocations(ctx, a.sess.GroupID)
	if err != nil {
		a.log.Warn("roster pull failed, keeping last good state", "error", err)
		a.hydrateFromCache()
		return err
	}

	a.mu.Lock()
	a.members = members
	for _, m := range members {
		if m.Location != nil {
			a.mergeLocked(m.UserID, *m.Location)
		}
	}
	a.mu.Unlock()

	if a.cache != nil {
		if err := a.cache.SetCachedRoster(a.sess.GroupID, members); err != nil {
			a.log.Warn("failed to cache roster", "error", err)
		}
	}
	return nil
}

// hydrateFromCache fills an empty roster from the persisted snapshot.
func (a *Aggregator) hydrateFromCache() {
	if a.cache == nil {
		return
	}
	a.mu.Lock()
	empty := len(a.members) == 0
	a.mu.Unlock()
	if !empty {
		return
	}

	cached, err := a.cache.CachedRoster(a.sess.GroupID)
	if err != nil || cached == nil {
		return
	}
	a.mu.Lock()
	if len(a.members) == 0 {
		a.members = cached
	}
	a.mu.Unlock()
}

// LoadLocations replaces the location map from the authoritative pull,
// merging per userId by freshest timestamp. On failure the in-memory map
// is left untouched.
func (a *Aggregator) LoadLocations(ctx context.Context) error {
	locations, err := a.client.Locations(ctx, a.sess.GroupID)
	if err != nil {
		a.log.Warn("locations pull failed, keeping last good state", "error", err)
		return err
	}

	a.mu.Lock()
	for userID, loc := range locations {
		a.mergeLocked(userID, loc)
	}
	a.mu.Unlock()
	return nil
}

// mergeLocked applies one sample under the freshest-timestamp rule: a
// stale poll response arriving after a fresher push must not overwrite it.
// Caller holds a.mu.
func (a *Aggregator) mergeLocked(userID string, loc model.LocationSample) {
	existing, ok := a.locations[userID]
	if ok && !loc.NewerThan(&existing) {
		return
	}
	a.locations[userID] = loc

	trail, ok := a.trails[userID]
	if !ok {
		trail = geo.NewTrail(a.trailLen)
		a.trails[userID] = trail
	}
	trail.Append(loc.Lat, loc.Lng)
}

// Bind registers the aggregator's push handlers on the channel. Call
// before the channel dials.
func (a *Aggregator) Bind(ch *channel.Channel) {
	ch.On(model.EventLocationUpdate, func(payload json.RawMessage) {
		var ev model.LocationUpdate
		if err := json.Unmarshal(payload, &ev); err != nil {
			a.log.Warn("bad location_update payload", "error", err)
			return
		}
		a.HandleLocationUpdate(ev)
	})
	ch.On(model.EventMemberApproved, func(payload json.RawMessage) {
		var ev model.MemberApproved
		if err := json.Unmarshal(payload, &ev); err != nil {
			a.log.Warn("bad member_approved payload", "error", err)
			return
		}
		a.HandleMemberApproved(ev)
	})
	ch.On(model.EventGeofenceViolation, func(payload json.RawMessage) {
		var ev model.GeofenceViolation
		if err := json.Unmarshal(payload, &ev); err != nil {
			a.log.Warn("bad geofence_violation payload", "error", err)
			return
		}
		a.HandleGeofenceViolation(ev)
	})
	ch.On(model.EventGroupDeleted, func(payload json.RawMessage) {
		var ev model.GroupDeleted
		if err := json.Unmarshal(payload, &ev); err != nil {
			a.log.Warn("bad group_deleted payload", "error", err)
			return
		}
		a.HandleGroupDeleted(ev)
	})
}

// HandleLocationUpdate applies a push update. Events for other groups are
// ignored; the channel is not group-scoped at the transport level.
func (a *Aggregator) HandleLocationUpdate(ev model.LocationUpdate) {
	if ev.GroupID != a.sess.GroupID {
		return
	}
	a.mu.Lock()
	a.mergeLocked(ev.UserID, ev.Location)
	a.mu.Unlock()
}

// HandleMemberApproved announces the join and refreshes the roster.
func (a *Aggregator) HandleMemberApproved(ev model.MemberApproved) {
	if ev.GroupID != a.sess.GroupID {
		return
	}
	if a.notifier != nil {
		a.notifier.MemberJoined(ev.DisplayName)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.LoadMembers(ctx); err != nil {
		a.log.Warn("roster refresh after member_approved failed", "error", err)
	}
}

// HandleGeofenceViolation surfaces the relay-computed violation as a
// one-shot notification. The distance and radius are taken as given.
func (a *Aggregator) HandleGeofenceViolation(ev model.GeofenceViolation) {
	if ev.GroupID != a.sess.GroupID {
		return
	}
	a.log.Warn("geofence violation",
		"user", ev.UserID, "distance", ev.Distance, "radius", ev.Radius)
	if a.notifier != nil {
		a.notifier.GeofenceViolation(ev)
	}
}

// HandleGroupDeleted is the terminal event: stop sharing, purge persisted
// state for the group and signal the UI to navigate away.
func (a *Aggregator) HandleGroupDeleted(ev model.GroupDeleted) {
	if ev.GroupID != a.sess.GroupID {
		return
	}

	a.mu.Lock()
	already := a.deleted
	a.deleted = true
	a.mu.Unlock()
	if already {
		return
	}

	if a.reporter != nil {
		a.reporter.Stop()
	}
	if a.cache != nil {
		if err := a.cache.PurgeGroup(ev.GroupID); err != nil {
			a.log.Warn("failed to purge group state", "error", err)
		}
	}
	a.stopPolling()
	if a.notifier != nil {
		a.notifier.GroupDeleted(ev.GroupID)
	}
	a.log.Info("group deleted, state purged")
}

// StartPolling runs LoadLocations on the poll interval until Close. The
// poll is the eventual-consistency backstop; the push channel provides
// freshness.
func (a *Aggregator) StartPolling(ctx context.Context) {
	a.mu.Lock()
	if a.pollStop != nil || a.deleted {
		a.mu.Unlock()
		return
	}
	a.pollStop = make(chan struct{})
	stop := a.pollStop
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				pullCtx, cancel := context.WithTimeout(ctx, a.pollInterval)
				if err := a.LoadLocations(pullCtx); err != nil {
					a.log.Debug("poll miss", "error", err)
				}
				cancel()
			}
		}
	}()
}

func (a *Aggregator) stopPolling() {
	a.mu.Lock()
	stop := a.pollStop
	a.pollStop = nil
	a.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Close stops the poll loop. The channel handle is owned by the session
// that created it and is closed there.
func (a *Aggregator) Close() {
	a.stopPolling()
}

// Members returns the roster with each member's freshest known location
// and, when a fence is set, locally computed geofence membership.
func (a *Aggregator) Members() []MemberView {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]MemberView, 0, len(a.members))
	for _, m := range a.members {
		view := MemberView{GroupMember: m}
		if loc, ok := a.locations[m.UserID]; ok {
			cp := loc
			if view.Location == nil || loc.NewerThan(view.Location) {
				view.Location = &cp
			}
		}
		if a.fence != nil && view.Location != nil {
			d := a.fence.Distance(view.Location.Lat, view.Location.Lng)
			in := d <= a.fence.Radius
			view.DistanceFromCenter = &d
			view.InWorkArea = &in
		}
		out = append(out, view)
	}
	return out
}

// Locations returns a copy of the current per-user location map.
func (a *Aggregator) Locations() map[string]model.LocationSample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]model.LocationSample, len(a.locations))
	for k, v := range a.locations {
		out[k] = v
	}
	return out
}

// Trail returns the member's recent breadcrumb, oldest first.
func (a *Aggregator) Trail(userID string) []model.Coordinate {
	a.mu.Lock()
	defer a.mu.Unlock()
	if trail, ok := a.trails[userID]; ok {
		return trail.Points()
	}
	return nil
}

// EncodedTrail returns the member's breadcrumb as an encoded polyline for
// map rendering layers.
func (a *Aggregator) EncodedTrail(userID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if trail, ok := a.trails[userID]; ok {
		return trail.Encoded()
	}
	return ""
}
