package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"

	"github.com/bwise1/groupbeacon/internal/model"
)

func newTestAPI(t *testing.T, secret string) (*API, *httptest.Server) {
	t.Helper()
	state := NewState()
	hub := NewHub(state, nil)
	go hub.Run()

	a := &API{State: state, Hub: hub, JwtSecret: secret}
	srv := httptest.NewServer(a.Routes())
	t.Cleanup(srv.Close)
	return a, srv
}

func doJSON(t *testing.T, method, url string, body interface{}, token string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Source", "test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeData(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if target == nil {
		return
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestRequestTracingRejectsMissingSource(t *testing.T) {
	_, srv := newTestAPI(t, "")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/groups", strings.NewReader("{}"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 for missing X-Request-Source", resp.StatusCode)
	}
}

func TestGroupLifecycleOverREST(t *testing.T) {
	_, srv := newTestAPI(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/groups", map[string]interface{}{
		"name":       "Site A",
		"lat":        39.0,
		"lng":        35.2433,
		"workRadius": 150,
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group status = %d", resp.StatusCode)
	}
	var info model.GroupInfo
	decodeData(t, resp, &info)
	if info.ID == "" || len(info.Code) != 6 {
		t.Fatalf("unexpected group info %+v", info)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/groups/"+info.ID+"/members", map[string]string{
		"userId":      "u1",
		"displayName": "Ada",
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add member status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/groups/"+info.ID+"/locations", model.LocationSample{
		UserID:    "u1",
		Lat:       39.0005,
		Lng:       35.2433,
		Timestamp: time.Now().UnixMilli(),
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post location status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/groups/"+info.ID+"/locations", nil, "")
	var locations map[string]model.LocationSample
	decodeData(t, resp, &locations)
	if _, ok := locations["u1"]; !ok {
		t.Fatalf("locations missing u1: %v", locations)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/groups/"+info.Code+"/info", nil, "")
	var byCode model.GroupInfo
	decodeData(t, resp, &byCode)
	if byCode.ID != info.ID {
		t.Fatalf("info by code returned %+v", byCode)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/groups/"+info.ID, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/groups/"+info.ID+"/locations", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("locations after delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPostLocationNonMemberForbidden(t *testing.T) {
	_, srv := newTestAPI(t, "")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/groups", map[string]interface{}{"name": "Site A"}, "")
	var info model.GroupInfo
	decodeData(t, resp, &info)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/groups/"+info.ID+"/locations", model.LocationSample{
		UserID: "stranger",
		Lat:    39.0,
		Lng:    35.2433,
	}, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for non-member", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRequireLogin(t *testing.T) {
	const secret = "test-secret"
	_, srv := newTestAPI(t, secret)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/groups", map[string]interface{}{"name": "Site A"}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/groups", map[string]interface{}{"name": "Site A"}, signed)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status with token = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWebsocketUpgradeNeedsNoTracingHeaders(t *testing.T) {
	_, srv := newTestAPI(t, "")

	// Dialers send no X-Request-Source; the upgrade must still succeed.
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial without tracing headers: %v", err)
	}
	conn.Close()
}

func TestWebsocketLocationFanout(t *testing.T) {
	state := NewState()
	hub := NewHub(state, nil)
	go hub.Run()
	a := &API{State: state, Hub: hub}
	srv := httptest.NewServer(a.Routes())
	defer srv.Close()

	info := state.CreateGroup("Site A", "", ptr(39.0), ptr(35.2433), 150)
	if err := state.AddMember(info.ID, "u1", "Ada", model.RoleMember); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	join, _ := json.Marshal(info.ID)
	if err := conn.WriteJSON(model.Event{Type: model.EventJoinGroup, Payload: join}); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Outside the fence so both events fan out.
	sample, _ := json.Marshal(model.LocationSample{
		UserID:    "u1",
		GroupID:   info.ID,
		Lat:       39.01,
		Lng:       35.2433,
		Timestamp: time.Now().UnixMilli(),
	})
	if err := conn.WriteJSON(model.Event{Type: model.EventGroupLocationUpdate, Payload: sample}); err != nil {
		t.Fatalf("send sample: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	seen := map[string]bool{}
	for len(seen) < 2 {
		var evt model.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read event (seen %v): %v", seen, err)
		}
		seen[evt.Type] = true
	}
	if !seen[model.EventLocationUpdate] || !seen[model.EventGeofenceViolation] {
		t.Fatalf("missing expected events, got %v", seen)
	}
}
