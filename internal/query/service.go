package query

import (
	"maps"
	"slices"
	"time"

	"github.com/aquafeed/aquafeed-core/internal/device"
)

// DefaultFreshnessWindow is the age after which a reading is reported stale.
const DefaultFreshnessWindow = 30 * time.Second

// Store is the read subset of device.Store.
type Store interface {
	Get(deviceID string) (device.State, bool)
	Snapshot() map[string]device.State
	Len() int
}

// ReadingView is one category's latest reading as seen by a caller.
type ReadingView struct {
	Category        device.Category `json:"category"`
	Fields          map[string]any  `json:"fields"`
	ObservedAt      time.Time       `json:"observed_at"`
	DeviceTimestamp *time.Time      `json:"device_timestamp,omitempty"`
	AgeSeconds      float64         `json:"age_seconds"`
	Stale           bool            `json:"stale"`
}

// DeviceView is everything known about one device.
type DeviceView struct {
	DeviceID  string                          `json:"device_id"`
	Readings  map[device.Category]ReadingView `json:"readings"`
	UpdatedAt time.Time                       `json:"updated_at"`

	// Stale is true when every reading is stale.
	Stale bool `json:"stale"`
}

// Categories returns the categories present, sorted.
func (v DeviceView) Categories() []device.Category {
	return slices.Sorted(maps.Keys(v.Readings))
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now for age computation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service answers device state queries. Safe for concurrent use.
type Service struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewService creates a Service. window <= 0 uses DefaultFreshnessWindow.
func NewService(store Store, window time.Duration, opts ...Option) *Service {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	s := &Service{store: store, window: window, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FreshnessWindow returns the staleness threshold.
func (s *Service) FreshnessWindow() time.Duration {
	return s.window
}

// Device returns the view of one device. The boolean is false when the
// device has never been observed; that is not an error.
func (s *Service) Device(deviceID string) (DeviceView, bool) {
	st, ok := s.store.Get(deviceID)
	if !ok {
		return DeviceView{}, false
	}
	return s.view(st, s.now()), true
}

// Devices returns every observed device, sorted by id.
func (s *Service) Devices() []DeviceView {
	snap := s.store.Snapshot()
	now := s.now()

	out := make([]DeviceView, 0, len(snap))
	for _, id := range slices.Sorted(maps.Keys(snap)) {
		out = append(out, s.view(snap[id], now))
	}
	return out
}

// DeviceMap returns every observed device keyed by id, from one snapshot.
func (s *Service) DeviceMap() map[string]DeviceView {
	snap := s.store.Snapshot()
	now := s.now()

	out := make(map[string]DeviceView, len(snap))
	for id, st := range snap {
		out[id] = s.view(st, now)
	}
	return out
}

// Count returns the number of observed devices.
func (s *Service) Count() int {
	return s.store.Len()
}

func (s *Service) view(st device.State, now time.Time) DeviceView {
	v := DeviceView{
		DeviceID:  st.DeviceID,
		Readings:  make(map[device.Category]ReadingView, len(st.Latest)),
		UpdatedAt: st.UpdatedAt,
		Stale:     len(st.Latest) > 0,
	}
	for cat, r := range st.Latest {
		rv := s.readingView(r, now)
		v.Readings[cat] = rv
		v.Stale = v.Stale && rv.Stale
	}
	return v
}

func (s *Service) readingView(r device.Reading, now time.Time) ReadingView {
	age := max(now.Sub(r.ObservedAt), 0)
	return ReadingView{
		Category:        r.Category,
		Fields:          r.Fields,
		ObservedAt:      r.ObservedAt,
		DeviceTimestamp: r.DeviceTimestamp,
		AgeSeconds:      age.Seconds(),
		Stale:           age > s.window,
	}
}
