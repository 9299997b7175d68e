// Package relay is a development stand-in for the production group
// relay: it accepts location traffic over websocket and HTTP, fans events
// out to group rooms and keeps everything in memory. It exists so the
// client side of the protocol can run and be tested end to end.
package relay

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bwise1/groupbeacon/internal/api"
	"github.com/bwise1/groupbeacon/internal/geo"
	"github.com/bwise1/groupbeacon/internal/model"
	"github.com/bwise1/groupbeacon/util"
)

var (
	ErrGroupNotFound = errors.New("relay: group not found")
	ErrNotMember     = errors.New("relay: not a group member")
)

// activity is one member's accumulated movement for one day.
type activity struct {
	firstSeen  int64
	lastSeen   int64
	lastLat    float64
	lastLng    float64
	hasLast    bool
	distance   float64
	violations int
}

type groupState struct {
	info      model.GroupInfo
	members   []model.GroupMember
	locations map[string]model.LocationSample
	lastSeen  map[string]int64
	activity  map[string]map[string]*activity // day -> userId
}

// State is the relay's in-memory world.
type State struct {
	mu     sync.Mutex
	groups map[string]*groupState
	byCode map[string]string // join code -> group id
}

// NewState returns an empty relay state.
func NewState() *State {
	return &State{
		groups: make(map[string]*groupState),
		byCode: make(map[string]string),
	}
}

// CreateGroup registers a group and returns its info, including a fresh
// join code.
func (s *State) CreateGroup(name, address string, lat, lng *float64, workRadius float64) model.GroupInfo {
	if workRadius <= 0 {
		workRadius = geo.DefaultWorkRadius
	}
	info := model.GroupInfo{
		ID:         util.GenerateUUID().String(),
		Code:       util.GenerateShortCode(6),
		Name:       name,
		Address:    address,
		Lat:        lat,
		Lng:        lng,
		WorkRadius: workRadius,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[info.ID] = &groupState{
		info:      info,
		locations: make(map[string]model.LocationSample),
		lastSeen:  make(map[string]int64),
		activity:  make(map[string]map[string]*activity),
	}
	s.byCode[info.Code] = info.ID
	return info
}

// AddMember adds (or re-adds) a member to the group roster.
func (s *State) AddMember(groupID, userID, displayName, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	for _, m := range g.members {
		if m.UserID == userID {
			return nil
		}
	}
	if role == "" {
		role = model.RoleMember
	}
	g.members = append(g.members, model.GroupMember{
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		JoinedAt:    time.Now().UnixMilli(),
	})
	g.info.MemberCount = len(g.members)
	return nil
}

func (g *groupState) isMember(userID string) bool {
	for _, m := range g.members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func dayKey(tsMillis int64) string {
	return time.UnixMilli(tsMillis).UTC().Format("2006-01-02")
}

// UpsertLocation ingests one sample. It returns the broadcastable update
// and, when the sample falls outside the group's work area, a violation
// event.
func (s *State) UpsertLocation(groupID string, sample model.LocationSample) (model.LocationUpdate, *model.GeofenceViolation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return model.LocationUpdate{}, nil, ErrGroupNotFound
	}
	if !g.isMember(sample.UserID) {
		return model.LocationUpdate{}, nil, ErrNotMember
	}

	now := time.Now().UnixMilli()
	if sample.Timestamp == 0 {
		sample.Timestamp = now
	}
	sample.GroupID = groupID
	g.locations[sample.UserID] = sample
	g.lastSeen[sample.UserID] = now

	s.recordActivityLocked(g, sample)

	update := model.LocationUpdate{
		GroupID:  groupID,
		UserID:   sample.UserID,
		Location: sample,
	}

	fence, ok := geo.NewGeofence(g.info)
	if !ok || fence.Contains(sample.Lat, sample.Lng) {
		return update, nil, nil
	}

	distance := fence.Distance(sample.Lat, sample.Lng)
	day := dayKey(sample.Timestamp)
	if act := g.activity[day][sample.UserID]; act != nil {
		act.violations++
	}
	violation := &model.GeofenceViolation{
		GroupID:  groupID,
		UserID:   sample.UserID,
		Distance: math.Round(distance),
		Radius:   fence.Radius,
		Center:   fence.Center,
		At:       now,
	}
	return update, violation, nil
}

// recordActivityLocked folds a sample into the daily per-member
// accumulators used by the report endpoint.
func (s *State) recordActivityLocked(g *groupState, sample model.LocationSample) {
	day := dayKey(sample.Timestamp)
	if g.activity[day] == nil {
		g.activity[day] = make(map[string]*activity)
	}
	act := g.activity[day][sample.UserID]
	if act == nil {
		act = &activity{firstSeen: sample.Timestamp}
		g.activity[day][sample.UserID] = act
	}
	if act.hasLast {
		act.distance += geo.Haversine(act.lastLat, act.lastLng, sample.Lat, sample.Lng)
	}
	act.lastLat, act.lastLng = sample.Lat, sample.Lng
	act.hasLast = true
	if sample.Timestamp > act.lastSeen {
		act.lastSeen = sample.Timestamp
	}
}

// onlineWindow is how recently a member must have reported to count as
// online.
const onlineWindow = 2 * time.Minute

// MembersWithLocations joins the roster with last known locations.
func (s *State) MembersWithLocations(groupID string) ([]model.GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}

	cutoff := time.Now().Add(-onlineWindow).UnixMilli()
	out := make([]model.GroupMember, len(g.members))
	for i, m := range g.members {
		if loc, ok := g.locations[m.UserID]; ok {
			cp := loc
			m.Location = &cp
		}
		if seen, ok := g.lastSeen[m.UserID]; ok {
			seenCp := seen
			m.LastSeen = &seenCp
			m.IsOnline = seen >= cutoff
		}
		out[i] = m
	}
	return out, nil
}

// Locations returns the group's location map keyed by userId.
func (s *State) Locations(groupID string) (map[string]model.LocationSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	out := make(map[string]model.LocationSample, len(g.locations))
	for k, v := range g.locations {
		out[k] = v
	}
	return out, nil
}

// InfoByCode resolves a group by its join code.
func (s *State) InfoByCode(code string) (model.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCode[code]
	if !ok {
		return model.GroupInfo{}, ErrGroupNotFound
	}
	return s.groups[id].info, nil
}

// Info resolves a group by id.
func (s *State) Info(groupID string) (model.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return model.GroupInfo{}, ErrGroupNotFound
	}
	return g.info, nil
}

// DeleteGroup removes the group entirely. Returns false when it did not
// exist.
func (s *State) DeleteGroup(groupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return false
	}
	delete(s.byCode, g.info.Code)
	delete(s.groups, groupID)
	return true
}

// Report builds the daily activity summary. date is YYYY-MM-DD; empty
// selects today (UTC).
func (s *State) Report(groupID, date string) (api.DailyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return api.DailyReport{}, ErrGroupNotFound
	}
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	report := api.DailyReport{Items: []api.ReportItem{}}
	acts := g.activity[date]
	for _, m := range g.members {
		item := api.ReportItem{UserID: m.UserID, Name: m.DisplayName}
		if act, ok := acts[m.UserID]; ok {
			item.DistanceMeters = float64(int(act.distance))
			item.OnlineMinutes = float64(act.lastSeen-act.firstSeen) / 1000 / 60
			item.GeofenceViolations = act.violations
		}
		report.Items = append(report.Items, item)
	}
	return report, nil
}
