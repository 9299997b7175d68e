// Package api is the REST half of the relay contract: authoritative pulls
// of rosters and locations, the HTTP fallback for position delivery, and
// the daily report endpoint.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/lucsky/cuid"
	"github.com/pkg/errors"

	"github.com/bwise1/groupbeacon/internal/model"
	"github.com/bwise1/groupbeacon/util/values"
)

const defaultTimeout = 15 * time.Second

// Client talks to the group relay's REST endpoints.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client for the given base URL. An empty token sends no
// Authorization header.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, target interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(values.HeaderRequestSource, "beacon")
	req.Header.Set(values.HeaderRequestID, cuid.New())
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "request %s %s failed", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("request %s %s returned status %d", method, path, resp.StatusCode)
	}
	if target == nil {
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}
	return decodeEnvelope(raw, target)
}

// decodeEnvelope tolerates both bare payloads and the relay's
// {"data": ...} wrapper.
func decodeEnvelope(raw []byte, target interface{}) error {
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Data) > 0 {
		raw = wrapped.Data
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

// MembersWithLocations pulls the authoritative roster with each member's
// last known position.
func (c *Client) MembersWithLocations(ctx context.Context, groupID string) ([]model.GroupMember, error) {
	var members []model.GroupMember
	path := fmt.Sprintf("/api/groups/%s/members-with-locations", groupID)
	if err := c.do(ctx, http.MethodGet, path, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// locationEntry is the array element shape some relay versions return for
// the locations pull.
type locationEntry struct {
	UserID   string               `json:"userId"`
	Location model.LocationSample `json:"location"`
}

// Locations pulls the full location map for a group. The relay returns
// either a userId-keyed object or an array of {userId, location} entries;
// both are normalized to a map.
func (c *Client) Locations(ctx context.Context, groupID string) (map[string]model.LocationSample, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/api/groups/%s/locations", groupID)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]model.LocationSample)

	var entries []locationEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		for _, e := range entries {
			if e.UserID != "" {
				out[e.UserID] = e.Location
			}
		}
		return out, nil
	}

	var byUser map[string]model.LocationSample
	if err := json.Unmarshal(raw, &byUser); err != nil {
		return nil, errors.Wrap(err, "unrecognized locations payload")
	}
	for userID, loc := range byUser {
		out[userID] = loc
	}
	return out, nil
}

// PostLocation is the HTTP fallback delivery path, used when the push
// channel is not connected. Best effort, no retry.
func (c *Client) PostLocation(ctx context.Context, groupID string, sample model.LocationSample) error {
	path := fmt.Sprintf("/api/groups/%s/locations", groupID)
	return c.do(ctx, http.MethodPost, path, sample, nil)
}

// GroupInfo fetches group details by join code, including the geofence
// center and work radius.
func (c *Client) GroupInfo(ctx context.Context, code string) (model.GroupInfo, error) {
	var info model.GroupInfo
	path := fmt.Sprintf("/api/groups/%s/info", code)
	if err := c.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return model.GroupInfo{}, err
	}
	if info.WorkRadius <= 0 {
		info.WorkRadius = 150
	}
	return info, nil
}

// JoinGroup registers the user as a member of the group.
func (c *Client) JoinGroup(ctx context.Context, groupID, userID, displayName string) error {
	path := fmt.Sprintf("/api/groups/%s/members", groupID)
	body := map[string]string{
		"userId":      userID,
		"displayName": displayName,
	}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// ReportOptions selects a daily activity report.
type ReportOptions struct {
	GroupID string `url:"groupId"`
	Date    string `url:"date,omitempty"` // YYYY-MM-DD, defaults to today server-side
}

// ReportItem is one member's row in a daily report.
type ReportItem struct {
	UserID             string  `json:"userId"`
	Name               string  `json:"name"`
	DistanceMeters     float64 `json:"distanceMeters"`
	OnlineMinutes      float64 `json:"onlineMinutes"`
	GeofenceViolations int     `json:"geofenceViolations"`
}

// DailyReport is the per-group activity summary for one day.
type DailyReport struct {
	Items []ReportItem `json:"items"`
}

// Report fetches the daily activity report for a group.
func (c *Client) Report(ctx context.Context, opts ReportOptions) (DailyReport, error) {
	values, err := query.Values(opts)
	if err != nil {
		return DailyReport{}, errors.Wrap(err, "failed to encode report options")
	}

	var report DailyReport
	path := "/api/reports/daily?" + values.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &report); err != nil {
		return DailyReport{}, err
	}
	return report, nil
}
