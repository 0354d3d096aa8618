package device

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/phuslu/log"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotAllowed    = errors.New("device not allowed to connect")
)

type Config struct {
	AllowConnect bool   `json:"allow_connect"`
	Store        bool   `json:"store"`
	Broadcast    bool   `json:"broadcast"`
	LogLevel     string `json:"log_level"`
}

type Device struct {
	ID       uint64
	Account  string
	Name     string
	UniqueID uint64
	Config   Config
}

// Key identifies the device across the registry, the event subjects and the logs.
func (d *Device) Key() string {
	return d.Account + "/" + d.Name
}

func (d *Device) MarshalObject(e *log.Entry) {
	e.Uint64("device_id", d.ID).Str("account", d.Account).Str("device", d.Name)
	if d.UniqueID != 0 {
		e.Str("unique_id", FormatUniqueID(d.UniqueID))
	}
}

// Directory resolves the identity a device presents into a registered device.
// Find returns a registered device whether or not it may connect, and never registers one.
type Directory interface {
	Lookup(ctx context.Context, account, name string) (*Device, error)
	LookupUnique(ctx context.Context, uid uint64) (*Device, error)
	Find(ctx context.Context, account, name string) (*Device, error)
}

func FormatUniqueID(uid uint64) string {
	return "uid:" + strconv.FormatUint(uid, 16)
}

func ParseUniqueID(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "uid:"), 16, 64)
}

// Static is an in-memory Directory.
type Static struct {
	mu     sync.Mutex
	byName map[string]*Device
	byUID  map[uint64]*Device
}

func NewStatic(devs ...*Device) *Static {
	s := &Static{byName: make(map[string]*Device), byUID: make(map[uint64]*Device)}
	for _, d := range devs {
		s.Add(d)
	}
	return s
}

func (s *Static) Add(d *Device) {
	s.mu.Lock()
	s.byName[d.Key()] = d
	if d.UniqueID != 0 {
		s.byUID[d.UniqueID] = d
	}
	s.mu.Unlock()
}

func (s *Static) Lookup(ctx context.Context, account, name string) (*Device, error) {
	s.mu.Lock()
	d, ok := s.byName[account+"/"+name]
	s.mu.Unlock()
	return checkAllowed(d, ok)
}

func (s *Static) Find(ctx context.Context, account, name string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byName[account+"/"+name]
	if !ok {
		return nil, ErrUnknownDevice
	}
	return d, nil
}

func (s *Static) LookupUnique(ctx context.Context, uid uint64) (*Device, error) {
	s.mu.Lock()
	d, ok := s.byUID[uid]
	s.mu.Unlock()
	return checkAllowed(d, ok)
}

func checkAllowed(d *Device, ok bool) (*Device, error) {
	if !ok {
		return nil, ErrUnknownDevice
	}
	if !d.Config.AllowConnect {
		return d, ErrNotAllowed
	}
	return d, nil
}
