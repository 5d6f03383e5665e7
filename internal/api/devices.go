package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aquafeed/aquafeed-core/internal/command"
	"github.com/aquafeed/aquafeed-core/internal/device"
	"github.com/aquafeed/aquafeed-core/internal/query"
)

type listDevicesResponse struct {
	Devices map[string]query.DeviceView `json:"devices"`
	Count   int                         `json:"count"`
}

// handleListDevices returns every observed device keyed by id.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.query.DeviceMap()
	writeJSON(w, http.StatusOK, listDevicesResponse{
		Devices: devices,
		Count:   len(devices),
	})
}

type deviceStateResponse struct {
	ID       string           `json:"id"`
	Observed bool             `json:"observed"`
	State    query.DeviceView `json:"state"`
}

// handleGetDeviceState returns one device's readings. A device that has never
// reported is not an error: the response says observed=false with an empty
// state.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view, ok := s.query.Device(id)
	if !ok {
		view = query.DeviceView{DeviceID: id, Readings: map[device.Category]query.ReadingView{}}
	}
	writeJSON(w, http.StatusOK, deviceStateResponse{
		ID:       id,
		Observed: ok,
		State:    view,
	})
}

type commandResponse struct {
	OK        bool              `json:"ok"`
	Topic     string            `json:"topic,omitempty"`
	Msg       string            `json:"msg"`
	CommandID string            `json:"command_id"`
	Command   string            `json:"command"`
	QoS       byte              `json:"qos"`
	IssuedAt  time.Time         `json:"issued_at"`
	Error     command.ErrorKind `json:"error,omitempty"`
}

// handleDeviceCommand dispatches the command named in the path.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, chi.URLParam(r, "id"), chi.URLParam(r, "command"))
}

// handleFeed is the legacy feed endpoint.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, chi.URLParam(r, "id"), command.Feed.Name)
}

// dispatch runs one command and writes its outcome. The request body is
// ignored; commands carry no arguments.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, deviceID, name string) {
	if r.Body != nil {
		//nolint:errcheck // Draining lets the connection be reused
		io.Copy(io.Discard, r.Body)
	}

	caller, _ := callerFromContext(r.Context())
	out := s.dispatcher.Dispatch(r.Context(), command.Request{
		DeviceID: deviceID,
		Command:  name,
		Caller:   caller,
	})

	writeJSON(w, commandStatus(out.ErrorKind), commandResponse{
		OK:        out.Success,
		Topic:     out.Topic,
		Msg:       out.Message(),
		CommandID: out.CommandID,
		Command:   out.Command,
		QoS:       out.QoS,
		IssuedAt:  out.IssuedAt,
		Error:     out.ErrorKind,
	})
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}
