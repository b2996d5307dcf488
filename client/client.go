// Package client provides a Go client for the hearth control plane's
// Query Surface: REST calls for reading device state and history, and
// for dispatching commands (door, light, reboot, OTA trigger).
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client represents a connection to a remote hearth server. It
// provides methods for making REST API calls to the Query Surface.
type Client struct {
	// BaseURL is the base URL of the hearth server (e.g., "http://localhost:8011")
	BaseURL string

	// HTTPClient is the underlying HTTP client used for requests
	HTTPClient *http.Client
}

// NewClient creates a new hearth client connected to the specified
// server URL. The serverURL should include the protocol and port
// (e.g., "http://localhost:8011").
//
// Example:
//
//	client := client.NewClient("http://localhost:8011")
//	stats, err := client.GetStats()
func NewClient(serverURL string) *Client {
	return &Client{
		BaseURL: serverURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) get(path string, out any) error {
	resp, err := c.HTTPClient.Get(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %d - %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) post(path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := c.HTTPClient.Post(c.BaseURL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %d - %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// AcceptedResponse mirrors the Query Surface's write-operation
// envelope: Accepted is false when Reason explains why a command was
// rejected (e.g. "bus_unavailable", "unknown_device").
type AcceptedResponse struct {
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason,omitempty"`
	Manifest json.RawMessage `json:"manifest,omitempty"`
}

// Weather holds the garage controller's latest weather-station reading.
type Weather struct {
	TemperatureF *float64 `json:"temperature_f"`
	PressureInHg *float64 `json:"pressure_inhg"`
}

// GetStats retrieves runtime statistics from the hearth server.
// This calls the /api/stats endpoint on the server.
func (c *Client) GetStats() (map[string]interface{}, error) {
	var stats map[string]interface{}
	if err := c.get("/api/stats", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// GetWeather retrieves the current weather reading.
// This calls the /api/weather endpoint on the server.
func (c *Client) GetWeather() (Weather, error) {
	var w Weather
	err := c.get("/api/weather", &w)
	return w, err
}

// WeatherHistoryPoint is one bucketed sample returned by GetWeatherHistory.
type WeatherHistoryPoint struct {
	Ts           time.Time `json:"ts"`
	TemperatureF *float64  `json:"temperature_f,omitempty"`
	PressureInHg *float64  `json:"pressure_inhg,omitempty"`
}

// GetWeatherHistory retrieves bucketed weather history over the given
// shorthand range ("24h", "7d", "30d"). This calls the
// /api/weather/history endpoint on the server.
func (c *Client) GetWeatherHistory(rng string) ([]WeatherHistoryPoint, error) {
	path := "/api/weather/history"
	if rng != "" {
		path += "?range=" + url.QueryEscape(rng)
	}
	var points []WeatherHistoryPoint
	if err := c.get(path, &points); err != nil {
		return nil, err
	}
	return points, nil
}

// Freezer holds the freezer monitor's latest temperature reading.
type Freezer struct {
	TemperatureF *float64 `json:"temperature_f"`
}

// GetFreezer retrieves the current freezer temperature.
// This calls the /api/freezer endpoint on the server.
func (c *Client) GetFreezer() (Freezer, error) {
	var f Freezer
	err := c.get("/api/freezer", &f)
	return f, err
}

// DoorState holds the garage door's current open/closed state.
type DoorState struct {
	State string `json:"state"`
}

// GetDoor retrieves the garage door's current state.
// This calls the /api/door endpoint on the server.
func (c *Client) GetDoor() (DoorState, error) {
	var d DoorState
	err := c.get("/api/door", &d)
	return d, err
}

// SetDoor dispatches an "open" or "close" command to the garage door.
// This calls POST /api/door on the server.
func (c *Client) SetDoor(command string) (AcceptedResponse, error) {
	var resp AcceptedResponse
	err := c.post("/api/door", map[string]string{"command": command}, &resp)
	return resp, err
}

// LightState holds the garage light's current on/off state.
type LightState struct {
	State       string     `json:"state"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// GetLight retrieves the garage light's current state.
// This calls the /api/light endpoint on the server.
func (c *Client) GetLight() (LightState, error) {
	var l LightState
	err := c.get("/api/light", &l)
	return l, err
}

// SetLight dispatches an "on", "off", or "toggle" command to the
// garage light. This calls POST /api/light on the server.
func (c *Client) SetLight(state string) (AcceptedResponse, error) {
	var resp AcceptedResponse
	err := c.post("/api/light", map[string]string{"state": state}, &resp)
	return resp, err
}

// Device mirrors one entry of the device registry listing returned by
// GetDevices.
type Device struct {
	DeviceID string    `json:"device_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen,omitempty"`
	Version  string    `json:"version,omitempty"`
	Health   string    `json:"health,omitempty"`
}

// GetDevices retrieves the current device registry, keyed by device ID.
// This calls the /api/devices endpoint on the server.
func (c *Client) GetDevices() (map[string]Device, error) {
	var devices map[string]Device
	if err := c.get("/api/devices", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Reboot dispatches a reboot command to the given device.
// This calls POST /api/devices/{device_id}/reboot on the server.
func (c *Client) Reboot(deviceID string) (AcceptedResponse, error) {
	var resp AcceptedResponse
	err := c.post("/api/devices/"+url.PathEscape(deviceID)+"/reboot", struct{}{}, &resp)
	return resp, err
}

// TriggerOTA dispatches a firmware update to deviceID at the given
// ref (the server's default ref is used when empty).
// This calls POST /api/ota/trigger on the server.
func (c *Client) TriggerOTA(deviceID, ref string) (AcceptedResponse, error) {
	var resp AcceptedResponse
	err := c.post("/api/ota/trigger", map[string]string{"device_id": deviceID, "ref": ref}, &resp)
	return resp, err
}

// PreviewOTA retrieves the manifest that would be built for deviceID
// at ref, without dispatching anything.
// This calls the /api/ota/preview endpoint on the server.
func (c *Client) PreviewOTA(deviceID, ref string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("device_id", deviceID)
	if ref != "" {
		q.Set("ref", ref)
	}
	var manifest json.RawMessage
	if err := c.get("/api/ota/preview?"+q.Encode(), &manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Alert is one entry of the active alert set as returned by GetAlerts.
// The server encodes alerts with their Go field names as JSON keys.
type Alert struct {
	DeviceID string    `json:"DeviceID"`
	Kind     string    `json:"Code"`
	Since    time.Time `json:"LastSeen"`
	Message  string    `json:"Message,omitempty"`
}

// GetAlerts retrieves the currently active alert set.
// This calls the /api/alerts endpoint on the server.
func (c *Client) GetAlerts() ([]Alert, error) {
	var alerts []Alert
	if err := c.get("/api/alerts", &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// Ping checks if the hearth server is reachable and responding.
// Returns nil if the server is healthy, error otherwise.
func (c *Client) Ping() error {
	resp, err := c.HTTPClient.Get(c.BaseURL + "/ping")
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned error: %d", resp.StatusCode)
	}

	return nil
}
