package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bwise1/groupbeacon/internal/model"
	"github.com/bwise1/groupbeacon/util"
	"github.com/bwise1/groupbeacon/util/tracing"
	"github.com/bwise1/groupbeacon/util/values"
)

const (
	defaultIdleTimeout  = time.Minute
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// ServerResponse is the envelope every REST handler returns.
type ServerResponse struct {
	Message    string      `json:"message"`
	Status     string      `json:"status"`
	StatusCode int         `json:"-"`
	Data       interface{} `json:"data,omitempty"`
}

// Handler adapts response-returning handlers to http.Handler.
type Handler func(w http.ResponseWriter, r *http.Request) *ServerResponse

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h(w, r)
	respByte, err := json.Marshal(resp)
	if err != nil {
		writeErrorResponse(w, err, values.Error, "unable to marshal server response")
		return
	}
	writeJSONResponse(w, respByte, resp.StatusCode)
}

func writeJSONResponse(w http.ResponseWriter, body []byte, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(body)
}

func writeErrorResponse(w http.ResponseWriter, err error, status, message string) {
	resp := ServerResponse{Message: message, Status: status}
	body, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		http.Error(w, message, http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, body, util.StatusCode(status))
}

func respondWithError(err error, message, status string, tc *tracing.Context) *ServerResponse {
	return &ServerResponse{
		Message:    fmt.Sprintf("%s: %v %v", message, err, tc),
		Status:     status,
		StatusCode: util.StatusCode(status),
	}
}

// API is the relay's REST surface.
type API struct {
	Server    *http.Server
	Addr      string
	JwtSecret string
	State     *State
	Hub       *Hub
	Metrics   *Metrics
	Registry  *prometheus.Registry
}

// Serve runs the HTTP server until shutdown.
func (a *API) Serve() error {
	a.Server = &http.Server{
		Addr:         a.Addr,
		IdleTimeout:  defaultIdleTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		Handler:      a.Routes(),
	}
	return a.Server.ListenAndServe()
}

// Shutdown stops the HTTP server.
func (a *API) Shutdown() error {
	if a.Server == nil {
		return nil
	}
	return a.Server.Close()
}

// Routes assembles the router.
func (a *API) Routes() http.Handler {
	mux := chi.NewRouter()

	// Upgrade and scrape endpoints stay outside the tracing middleware;
	// websocket dialers send no tracing headers.
	mux.Get("/ws", a.Hub.HandleConnections)
	if a.Registry != nil {
		mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	}

	mux.Route("/api", func(r chi.Router) {
		r.Use(RequestTracing)
		if a.JwtSecret != "" {
			r.Use(a.RequireLogin)
		}
		r.Method(http.MethodPost, "/groups", Handler(a.CreateGroupHandler))
		r.Method(http.MethodPost, "/groups/{groupID}/members", Handler(a.AddMemberHandler))
		r.Method(http.MethodDelete, "/groups/{groupID}", Handler(a.DeleteGroupHandler))
		r.Method(http.MethodPost, "/groups/{groupID}/locations", Handler(a.PostLocationHandler))
		r.Method(http.MethodGet, "/groups/{groupID}/locations", Handler(a.GetLocationsHandler))
		r.Method(http.MethodGet, "/groups/{groupID}/members-with-locations", Handler(a.MembersWithLocationsHandler))
		r.Method(http.MethodGet, "/groups/{code}/info", Handler(a.GroupInfoHandler))
		r.Method(http.MethodGet, "/reports/daily", Handler(a.DailyReportHandler))
	})

	return mux
}

func tracingFrom(r *http.Request) tracing.Context {
	if tc, ok := r.Context().Value(values.ContextTracingKey).(tracing.Context); ok {
		return tc
	}
	return tracing.Context{}
}

type createGroupRequest struct {
	Name       string   `json:"name" validate:"required"`
	Address    string   `json:"address"`
	Lat        *float64 `json:"lat"`
	Lng        *float64 `json:"lng"`
	WorkRadius float64  `json:"workRadius"`
}

func (a *API) CreateGroupHandler(_ http.ResponseWriter, r *http.Request) *ServerResponse {
	tc := tracingFrom(r)
	var req createGroupRequest
	if err := util.DecodeJSONBody(&tc, r.Body, &req); err != nil {
		return respondWithError(err, "Invalid request payload", values.BadRequestBody, &tc)
	}
	if err := util.ValidateStruct(req); err != nil {
		return respondWithError(err, "Invalid group", values.Unprocessable, &tc)
	}

	info := a.State.CreateGroup(req.Name, req.Address, req.Lat, req.Lng, req.WorkRadius)
	return &ServerResponse{
		Message:    "group created",
		Status:     values.Created,
		StatusCode: util.StatusCode(values.Created),
		Data:       info,
	}
}

type addMemberRequest struct {
	UserID      string `json:"userId" validate:"required"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

func (a *API) AddMemberHandler(_ http.ResponseWriter, r *http.Request) *ServerResponse {
	tc := tracingFrom(r)
	groupID := chi.URLParam(r, "groupID")

	var req addMemberRequest
	if err := util.DecodeJSONBody(&tc, r.Body, &req); err != nil {
		return respondWithError(err, "Invalid request payload", values.BadRequestBody, &tc)
	}
	if err := a.State.AddMember(groupID, req.UserID, req.DisplayName, req.Role); err != nil {
		return respondWithError(err, "Failed to add member", values.NotFound, &tc)
	}

	a.Hub.Broadcast(groupID, model.EventMemberApproved, model.MemberApproved{
		GroupID:     groupID,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
	})
	return &ServerResponse{
		Message:    "member added",
		Status:     values.Success,
		StatusCode: util.StatusCode(values.Success),
	}
}

func (a *API) DeleteGroupHandler(_ http.ResponseWriter, r *http.Request) *ServerResponse {
	tc := tracingFrom(r)
	groupID := chi.URLParam(r, "groupID")

	if !a.State.DeleteGroup(groupID) {
		return respondWithError(ErrGroupNotFound, "Group not found", values.NotFound, &tc)
	}
	a.Hub.Broadcast(groupID, model.EventGroupDeleted, model.GroupDeleted{GroupID: groupID})
	return &ServerResponse{
		Message:    "group deleted",
		Status:     values.Success,
		StatusCode: util.StatusCode(values.Success),
	}
}

// PostLocationHandler is the HTTP fallback delivery path.
func (a *API) PostLocationHandler(_ http.ResponseWriter, r *http.Request) *ServerResponse {
	tc := tracingFrom(r)
	groupID := chi.URLParam(r, "groupID")

	var sample model.LocationSample
	if err := util.DecodeJSONBody(&tc, r.Body, &sample); err != nil {
		return respondWithError(err, "Invalid location data", values.BadRequestBody, &tc)
	}
	sample.GroupID = groupID
	if err := util.ValidateStruct(sample); err != nil {
		return respondWithError(err, "Invalid location data", values.Unprocessable, &tc)
	}

	update, violation, err := a.State.UpsertLocation(groupID, sample)
	if err == ErrNotMember {
		return respondWithError(err, "Not a group member", values.NotAllowed, &tc)
	}
	if err != nil {
		return respondWithError(err, "Group not found", values.NotFound, &tc)
	}

	if a.Metrics != nil {
		a.Metrics.SamplesIngested.Inc()
		a.Metrics.FallbackDeliveries.Inc()
	}
	a.Hub.Broadcast(groupID, model.EventLocationUpdate, update)
	if violation != nil {
		if a.Metrics != nil {
			a.Metrics.ViolationsEmitted.Inc()
		}
		a.Hub.Broadcast(groupID, model.EventGeofenceViolation, violation)
	}

	return &ServerResponse{
		Message:    "location updated",
		Status:     values.Success,
		StatusCode: util.StatusCode(values.Success),
	}
}

func (a *API) GetLocationsHandler(_ http.ResponseWriter, r *http.Request) *ServerResponse {
	tc := tracingFrom(r)
	groupID := chi.URLParam(r, "groupID")

	locations, err := a.State.Locations(groupID)
	if err != nil {
		return respondWithError(err, "Group not found", values.NotFound, &tc)
	}
	return &ServerResponse{
		Message:    "locations",
		Status:     values.Success,
		StatusCode: util.StatusCode(values.Success),
		Data:       locations,
	}
}

func (a *API) MembersWithLocationsHandler(_ http.ResponseWriter, r *http.Request) *ServerResponse {
	tc := tracingFrom(r)
	groupID := chi.URLParam(r, "groupID")

	members, err := a.State.MembersWithLocations(groupID)
	if err != nil {
		return respondWithError(err, "Group not found", values.NotFound, &tc)
	}
	return &ServerResponse{
		Message:    "members with locations",
		Status:     values.Success,
		StatusCode: util.StatusCode(values.Success),
		Data:       members,
	}
}

func (a *API) GroupInfoHandler(_ http.ResponseWriter, r *http.Request) *ServerResponse {
	tc := tracingFrom(r)
	code := chi.URLParam(r, "code")

	info, err := a.State.InfoByCode(code)
	if err != nil {
		return respondWithError(err, "Group not found", values.NotFound, &tc)
	}
	return &ServerResponse{
		Message:    "group info",
		Status:     values.Success,
		StatusCode: util.StatusCode(values.Success),
		Data:       info,
	}
}

func (a *API) DailyReportHandler(_ http.ResponseWriter, r *http.Request) *ServerResponse {
	tc := tracingFrom(r)
	groupID := r.URL.Query().Get("groupId")
	date := r.URL.Query().Get("date")
	if groupID == "" {
		return respondWithError(ErrGroupNotFound, "groupId required", values.BadRequestBody, &tc)
	}

	report, err := a.State.Report(groupID, date)
	if err != nil {
		return respondWithError(err, "Group not found", values.NotFound, &tc)
	}
	return &ServerResponse{
		Message:    "daily report",
		Status:     values.Success,
		StatusCode: util.StatusCode(values.Success),
		Data:       report,
	}
}
