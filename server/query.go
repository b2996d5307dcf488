package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/rustyeddy/hearth/alerts"
	"github.com/rustyeddy/hearth/codec"
	"github.com/rustyeddy/hearth/command"
	"github.com/rustyeddy/hearth/ota"
	"github.com/rustyeddy/hearth/state"
	"github.com/rustyeddy/hearth/store"
)

// Read handlers get a 2 s deadline, writes (commands, OTA) get 5 s,
// per spec's Query Surface contract.
const (
	readDeadline  = 2 * time.Second
	writeDeadline = 5 * time.Second
)

// QueryAPI implements the Query Surface (C8): request/response
// handlers over State Store snapshots, relational-store history, the
// alert set, and the device registry. Handlers never mutate device
// state directly; writes are expressed as Command Dispatcher or OTA
// Orchestrator calls.
type QueryAPI struct {
	Store        *state.Store
	DB           *store.DB
	Evaluator    *alerts.Evaluator
	Dispatcher   *command.Dispatcher
	Orchestrator *ota.Orchestrator
	DefaultRef   string
}

// Mount registers every Query Surface route on s.
func (q *QueryAPI) Mount(s *Server) {
	s.Register("GET /api/weather", http.HandlerFunc(q.getWeather))
	s.Register("GET /api/weather/history", http.HandlerFunc(q.getWeatherHistory))
	s.Register("GET /api/freezer", http.HandlerFunc(q.getFreezer))
	s.Register("GET /api/door", http.HandlerFunc(q.getDoor))
	s.Register("POST /api/door", http.HandlerFunc(q.postDoor))
	s.Register("GET /api/light", http.HandlerFunc(q.getLight))
	s.Register("POST /api/light", http.HandlerFunc(q.postLight))
	s.Register("GET /api/devices", http.HandlerFunc(q.getDevices))
	s.Register("POST /api/devices/{device_id}/reboot", http.HandlerFunc(q.postReboot))
	s.Register("POST /api/ota/trigger", http.HandlerFunc(q.postOTATrigger))
	s.Register("GET /api/ota/preview", http.HandlerFunc(q.getOTAPreview))
	s.Register("GET /api/alerts", http.HandlerFunc(q.getAlerts))
}

type acceptedResponse struct {
	Accepted bool           `json:"accepted"`
	Reason   string         `json:"reason,omitempty"`
	Manifest *ota.Manifest  `json:"manifest,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// reasonFor maps a Command Dispatcher / OTA Orchestrator error to the
// stable reason enum the Query Surface boundary exposes; no Go error
// value ever leaks to a client.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, command.ErrBusUnavailable):
		return "bus_unavailable"
	case errors.Is(err, command.ErrUnknownDevice):
		return "unknown_device"
	default:
		return "error"
	}
}

func writeAccepted(w http.ResponseWriter, err error) {
	resp := acceptedResponse{Accepted: err == nil}
	if err != nil {
		resp.Reason = reasonFor(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func metricValue(ds state.DeviceState, metric string) *float64 {
	if r, ok := ds.Metrics[metric]; ok {
		v := r.Value
		return &v
	}
	return nil
}

type weatherResponse struct {
	TemperatureF *float64 `json:"temperature_f"`
	PressureInHg *float64 `json:"pressure_inhg"`
}

func (q *QueryAPI) getWeather(w http.ResponseWriter, r *http.Request) {
	ds, _ := q.Store.SnapshotDevice(codec.DeviceGarageController)
	writeJSON(w, http.StatusOK, weatherResponse{
		TemperatureF: metricValue(ds, "weather.temperature_f"),
		PressureInHg: metricValue(ds, "weather.pressure_inhg"),
	})
}

type weatherHistoryPoint struct {
	Ts           time.Time `json:"ts"`
	TemperatureF *float64  `json:"temperature_f,omitempty"`
	PressureInHg *float64  `json:"pressure_inhg,omitempty"`
}

// rangeDurations maps the shorthand `range` query parameter to a
// lookback window, used only when the caller omits explicit
// start/end.
var rangeDurations = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

func (q *QueryAPI) getWeatherHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readDeadline)
	defer cancel()

	bucket := store.Bucket(r.URL.Query().Get("bucket"))
	if bucket == "" {
		bucket = store.BucketHour
	}

	end := time.Now().UTC()
	if e := r.URL.Query().Get("end"); e != "" {
		if parsed, err := time.Parse(time.RFC3339, e); err == nil {
			end = parsed
		}
	}
	start := end.Add(-24 * time.Hour)
	if d, ok := rangeDurations[r.URL.Query().Get("range")]; ok {
		start = end.Add(-d)
	}
	if s := r.URL.Query().Get("start"); s != "" {
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			start = parsed
		}
	}

	temps, err := q.DB.History(ctx, codec.DeviceGarageController, "weather.temperature_f", start, end, bucket)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	pressures, err := q.DB.History(ctx, codec.DeviceGarageController, "weather.pressure_inhg", start, end, bucket)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, mergeWeatherHistory(temps, pressures))
}

func mergeWeatherHistory(temps, pressures []store.Point) []weatherHistoryPoint {
	byTs := map[time.Time]*weatherHistoryPoint{}
	var order []time.Time
	upsert := func(p store.Point, apply func(*weatherHistoryPoint, float64)) {
		e, ok := byTs[p.Ts]
		if !ok {
			e = &weatherHistoryPoint{Ts: p.Ts}
			byTs[p.Ts] = e
			order = append(order, p.Ts)
		}
		apply(e, p.Value)
	}
	for _, p := range temps {
		upsert(p, func(e *weatherHistoryPoint, v float64) { e.TemperatureF = &v })
	}
	for _, p := range pressures {
		upsert(p, func(e *weatherHistoryPoint, v float64) { e.PressureInHg = &v })
	}

	sort.Slice(order, func(i, j int) bool { return order[i].Before(order[j]) })
	out := make([]weatherHistoryPoint, 0, len(order))
	for _, ts := range order {
		out = append(out, *byTs[ts])
	}
	return out
}

type freezerResponse struct {
	TemperatureF *float64 `json:"temperature_f"`
}

func (q *QueryAPI) getFreezer(w http.ResponseWriter, r *http.Request) {
	// "freezer.temperature_f" is the folded reading state.applyLocked
	// derives from whichever of the main/backup probes reported most
	// recently (Open Question #2), so this is populated regardless of
	// which probe the device last published on.
	ds, _ := q.Store.SnapshotDevice(codec.DeviceFreezerMonitor)
	writeJSON(w, http.StatusOK, freezerResponse{TemperatureF: metricValue(ds, "freezer.temperature_f")})
}

type doorStateResponse struct {
	State string `json:"state"`
}

func (q *QueryAPI) getDoor(w http.ResponseWriter, r *http.Request) {
	ds, _ := q.Store.SnapshotDevice(codec.DeviceGarageController)
	writeJSON(w, http.StatusOK, doorStateResponse{State: ds.DoorState})
}

type doorCommandRequest struct {
	Command string `json:"command"`
}

func (q *QueryAPI) postDoor(w http.ResponseWriter, r *http.Request) {
	var req doorCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	writeAccepted(w, q.Dispatcher.Door(req.Command))
}

type lightStateResponse struct {
	State       string     `json:"state"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

func (q *QueryAPI) getLight(w http.ResponseWriter, r *http.Request) {
	ds, ok := q.Store.SnapshotDevice(codec.DeviceGarageController)
	resp := lightStateResponse{State: ds.LightState}
	// DeviceState does not track a per-field timestamp for light, only
	// the device's overall LastSeen, which is bumped on every message
	// including light-state changes; used here as a proxy.
	if ok && !ds.LastSeen.IsZero() {
		resp.LastUpdated = &ds.LastSeen
	}
	writeJSON(w, http.StatusOK, resp)
}

type lightCommandRequest struct {
	State string `json:"state"`
}

func (q *QueryAPI) postLight(w http.ResponseWriter, r *http.Request) {
	var req lightCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.State == "toggle" {
		writeAccepted(w, q.Dispatcher.LightToggle())
		return
	}
	writeAccepted(w, q.Dispatcher.Light(req.State))
}

// DeviceInfo mirrors the Device data model (spec §3) for the device
// registry listing.
type DeviceInfo struct {
	DeviceID string              `json:"device_id"`
	Status   state.DeviceStatus  `json:"status"`
	LastSeen time.Time           `json:"last_seen,omitempty"`
	Version  string              `json:"version,omitempty"`
	Health   string              `json:"health,omitempty"`
}

func (q *QueryAPI) getDevices(w http.ResponseWriter, r *http.Request) {
	snap := q.Store.SnapshotAll()
	out := make(map[string]DeviceInfo, len(snap))
	for id, ds := range snap {
		out[id] = DeviceInfo{
			DeviceID: ds.DeviceID,
			Status:   ds.Status,
			LastSeen: ds.LastSeen,
			Version:  ds.Version,
			Health:   ds.Health,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (q *QueryAPI) postReboot(w http.ResponseWriter, r *http.Request) {
	_, cancel := context.WithTimeout(r.Context(), writeDeadline)
	defer cancel()
	deviceID := r.PathValue("device_id")
	writeAccepted(w, q.Dispatcher.Reboot(deviceID))
}

type otaTriggerRequest struct {
	DeviceID string `json:"device_id"`
	Ref      string `json:"ref,omitempty"`
}

func (q *QueryAPI) postOTATrigger(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), writeDeadline)
	defer cancel()

	var req otaTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	manifest, err := q.Dispatcher.TriggerUpdate(ctx, req.DeviceID, req.Ref)
	if err != nil {
		writeAccepted(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptedResponse{Accepted: true, Manifest: &manifest})
}

func (q *QueryAPI) getOTAPreview(w http.ResponseWriter, r *http.Request) {
	_, cancel := context.WithTimeout(r.Context(), readDeadline)
	defer cancel()

	deviceID := r.URL.Query().Get("device_id")
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		ref = q.DefaultRef
	}

	manifest, err := q.Orchestrator.Build(deviceID, ref)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (q *QueryAPI) getAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readDeadline)
	defer cancel()

	active, err := q.Evaluator.Evaluate(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if active == nil {
		active = []alerts.Alert{}
	}
	writeJSON(w, http.StatusOK, active)
}
