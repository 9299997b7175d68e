package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/bwise1/groupbeacon/internal/geo"
	"github.com/bwise1/groupbeacon/internal/model"
	"github.com/bwise1/groupbeacon/internal/session"
)

type fakeClient struct {
	mu            sync.Mutex
	members       []model.GroupMember
	membersErr    error
	locations     map[string]model.LocationSample
	locationsErr  error
	memberPulls   int
	locationPulls int
}

func (c *fakeClient) MembersWithLocations(ctx context.Context, groupID string) ([]model.GroupMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memberPulls++
	if c.membersErr != nil {
		return nil, c.membersErr
	}
	return c.members, nil
}

func (c *fakeClient) Locations(ctx context.Context, groupID string) (map[string]model.LocationSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locationPulls++
	if c.locationsErr != nil {
		return nil, c.locationsErr
	}
	return c.locations, nil
}

func (c *fakeClient) setMembersErr(err error) {
	c.mu.Lock()
	c.membersErr = err
	c.mu.Unlock()
}

func (c *fakeClient) pulls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locationPulls
}

type fakeCache struct {
	mu     sync.Mutex
	roster map[string][]model.GroupMember
	purged []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{roster: make(map[string][]model.GroupMember)}
}

func (c *fakeCache) CachedRoster(groupID string) ([]model.GroupMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster[groupID], nil
}

func (c *fakeCache) SetCachedRoster(groupID string, members []model.GroupMember) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roster[groupID] = members
	return nil
}

func (c *fakeCache) PurgeGroup(groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.roster, groupID)
	c.purged = append(c.purged, groupID)
	return nil
}

type fakeNotifier struct {
	mu         sync.Mutex
	joined     []string
	violations []model.GeofenceViolation
	deleted    []string
}

func (n *fakeNotifier) MemberJoined(name string) {
	n.mu.Lock()
	n.joined = append(n.joined, name)
	n.mu.Unlock()
}

func (n *fakeNotifier) GeofenceViolation(v model.GeofenceViolation) {
	n.mu.Lock()
	n.violations = append(n.violations, v)
	n.mu.Unlock()
}

func (n *fakeNotifier) GroupDeleted(groupID string) {
	n.mu.Lock()
	n.deleted = append(n.deleted, groupID)
	n.mu.Unlock()
}

type fakeReporter struct {
	mu      sync.Mutex
	stopped int
}

func (r *fakeReporter) Stop() {
	r.mu.Lock()
	r.stopped++
	r.mu.Unlock()
}

func testSession() session.Session {
	return session.Session{UserID: "admin", GroupID: "g1", Token: "tok"}
}

func sample(userID string, lat float64, ts int64) model.LocationSample {
	return model.LocationSample{
		UserID: userID, GroupID: "g1", Lat: lat, Lng: 35.2433, Timestamp: ts,
	}
}

func TestLoadMembersFailureKeepsRoster(t *testing.T) {
	client := &fakeClient{members: []model.GroupMember{{UserID: "u1", DisplayName: "Ayşe"}}}
	a := New(testSession(), client, newFakeCache(), nil)

	if err := a.LoadMembers(context.Background()); err != nil {
		t.Fatalf("first LoadMembers: %v", err)
	}
	if len(a.Members()) != 1 {
		t.Fatalf("roster size = %d, want 1", len(a.Members()))
	}

	client.setMembersErr(errors.New("network down"))
	if err := a.LoadMembers(context.Background()); err == nil {
		t.Fatal("expected error from failed pull")
	}
	if len(a.Members()) != 1 {
		t.Error("failed reload emptied a populated roster")
	}
}

func TestLoadMembersFailureHydratesFromCache(t *testing.T) {
	cache := newFakeCache()
	cache.SetCachedRoster("g1", []model.GroupMember{{UserID: "u1", DisplayName: "Ayşe"}})

	client := &fakeClient{membersErr: errors.New("network down")}
	a := New(testSession(), client, cache, nil)

	a.LoadMembers(context.Background())
	members := a.Members()
	if len(members) != 1 || members[0].UserID != "u1" {
		t.Errorf("cache fallback produced %+v", members)
	}
}

func TestCrossGroupUpdateIgnored(t *testing.T) {
	a := New(testSession(), &fakeClient{}, nil, nil)

	a.HandleLocationUpdate(model.LocationUpdate{
		GroupID:  "other-group",
		UserID:   "u1",
		Location: sample("u1", 39, 100),
	})

	if len(a.Locations()) != 0 {
		t.Error("location map mutated by cross-group event")
	}
}

func TestFreshestTimestampMerge(t *testing.T) {
	client := &fakeClient{locations: map[string]model.LocationSample{
		"u1": sample("u1", 38.5, 100), // stale poll payload
	}}
	a := New(testSession(), client, nil, nil)

	// Fresh push arrives first.
	a.HandleLocationUpdate(model.LocationUpdate{
		GroupID: "g1", UserID: "u1", Location: sample("u1", 39.0, 200),
	})

	// A stale poll response races in afterwards and must not win.
	if err := a.LoadLocations(context.Background()); err != nil {
		t.Fatalf("LoadLocations: %v", err)
	}
	if got := a.Locations()["u1"]; got.Timestamp != 200 || got.Lat != 39.0 {
		t.Errorf("stale poll overwrote fresher push: %+v", got)
	}

	// A genuinely fresher poll payload must win.
	client.mu.Lock()
	client.locations["u1"] = sample("u1", 39.5, 300)
	client.mu.Unlock()
	a.LoadLocations(context.Background())
	if got := a.Locations()["u1"]; got.Timestamp != 300 {
		t.Errorf("fresher poll ignored: %+v", got)
	}
}

func TestLoadLocationsFailureLeavesMapUntouched(t *testing.T) {
	client := &fakeClient{locationsErr: errors.New("boom")}
	a := New(testSession(), client, nil, nil)

	a.HandleLocationUpdate(model.LocationUpdate{
		GroupID: "g1", UserID: "u1", Location: sample("u1", 39, 100),
	})
	if err := a.LoadLocations(context.Background()); err == nil {
		t.Fatal("expected pull error")
	}
	if len(a.Locations()) != 1 {
		t.Error("failed pull mutated the location map")
	}
}

func TestGeofenceViolationNotification(t *testing.T) {
	notifier := &fakeNotifier{}
	a := New(testSession(), &fakeClient{}, nil, notifier)

	a.HandleGeofenceViolation(model.GeofenceViolation{GroupID: "other", UserID: "u1"})
	a.HandleGeofenceViolation(model.GeofenceViolation{
		GroupID: "g1", UserID: "u1", Distance: 320, Radius: 150,
	})

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.violations) != 1 {
		t.Fatalf("violations surfaced = %d, want 1", len(notifier.violations))
	}
	if notifier.violations[0].Distance != 320 {
		t.Errorf("violation = %+v", notifier.violations[0])
	}
}

func TestMemberApprovedReloadsRoster(t *testing.T) {
	notifier := &fakeNotifier{}
	client := &fakeClient{members: []model.GroupMember{{UserID: "u1"}, {UserID: "u2"}}}
	a := New(testSession(), client, nil, notifier)

	a.HandleMemberApproved(model.MemberApproved{GroupID: "g1", UserID: "u2", DisplayName: "Mehmet"})

	if len(a.Members()) != 2 {
		t.Errorf("roster size = %d, want 2 after approval reload", len(a.Members()))
	}
	notifier.mu.Lock()
	if len(notifier.joined) != 1 || notifier.joined[0] != "Mehmet" {
		t.Errorf("joined notifications = %v", notifier.joined)
	}
	notifier.mu.Unlock()
}

func TestGroupDeletedTeardown(t *testing.T) {
	cache := newFakeCache()
	cache.SetCachedRoster("g1", []model.GroupMember{{UserID: "u1"}})
	notifier := &fakeNotifier{}
	rep := &fakeReporter{}
	a := New(testSession(), &fakeClient{}, cache, notifier, WithSharingControl(rep))

	// Event for another group must not tear anything down.
	a.HandleGroupDeleted(model.GroupDeleted{GroupID: "other"})
	if rep.stopped != 0 {
		t.Fatal("reporter stopped by cross-group delete")
	}

	a.HandleGroupDeleted(model.GroupDeleted{GroupID: "g1"})
	a.HandleGroupDeleted(model.GroupDeleted{GroupID: "g1"}) // duplicate is a no-op

	if rep.stopped != 1 {
		t.Errorf("reporter Stop calls = %d, want 1", rep.stopped)
	}
	cache.mu.Lock()
	if len(cache.purged) != 1 || cache.purged[0] != "g1" {
		t.Errorf("purged = %v", cache.purged)
	}
	cache.mu.Unlock()
	notifier.mu.Lock()
	if len(notifier.deleted) != 1 {
		t.Errorf("deleted notifications = %v", notifier.deleted)
	}
	notifier.mu.Unlock()
}

func TestMembersViewGeofence(t *testing.T) {
	client := &fakeClient{members: []model.GroupMember{{UserID: "u1", DisplayName: "Ayşe"}}}
	a := New(testSession(), client, nil, nil)
	a.SetGeofence(geo.Geofence{Center: model.Coordinate{Lat: 39.0, Lng: 35.2433}, Radius: 150})

	a.LoadMembers(context.Background())
	a.HandleLocationUpdate(model.LocationUpdate{
		GroupID: "g1", UserID: "u1", Location: sample("u1", 39.001, 100),
	})

	members := a.Members()
	if len(members) != 1 {
		t.Fatalf("members = %d", len(members))
	}
	v := members[0]
	if v.InWorkArea == nil || !*v.InWorkArea {
		t.Error("member ~111m from center with radius 150 must be in work area")
	}
	if v.DistanceFromCenter == nil || *v.DistanceFromCenter < 110 || *v.DistanceFromCenter > 112 {
		t.Errorf("DistanceFromCenter = %v, want ~111", v.DistanceFromCenter)
	}
}

func TestTrailAccumulates(t *testing.T) {
	a := New(testSession(), &fakeClient{}, nil, nil, WithTrailLen(10))

	for i := int64(1); i <= 3; i++ {
		a.HandleLocationUpdate(model.LocationUpdate{
			GroupID: "g1", UserID: "u1",
			Location: sample("u1", 39.0+float64(i)*0.001, i*100),
		})
	}

	trail := a.Trail("u1")
	if len(trail) != 3 {
		t.Fatalf("trail length = %d, want 3", len(trail))
	}
	if a.EncodedTrail("u1") == "" {
		t.Error("encoded trail empty")
	}
	// Out-of-order (older) samples are dropped by the merge, so the trail
	// stays monotonic.
	a.HandleLocationUpdate(model.LocationUpdate{
		GroupID: "g1", UserID: "u1", Location: sample("u1", 38.0, 50),
	})
	if len(a.Trail("u1")) != 3 {
		t.Error("stale sample appended to trail")
	}
}

func TestPollingPullsPeriodically(t *testing.T) {
	client := &fakeClient{locations: map[string]model.LocationSample{}}
	a := New(testSession(), client, nil, nil, WithPollInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.StartPolling(ctx)
	defer a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.pulls() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if client.pulls() < 2 {
		t.Fatalf("poll pulls = %d, want >= 2", client.pulls())
	}

	a.Close()
	count := client.pulls()
	time.Sleep(100 * time.Millisecond)
	if client.pulls() != count {
		t.Error("poll continued after Close")
	}
}
