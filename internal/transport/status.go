package transport

import (
	"encoding/json"
	"sync"
	"time"
)

// ConnectionState is where a transport is in its lifecycle.
type ConnectionState uint8

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	// Degraded is connected but most recent payloads fail to decode.
	Degraded
	// Failed is terminal until an operator intervenes.
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether a session is up.
func (s ConnectionState) Live() bool {
	return s == Connected || s == Degraded
}

// ConnectionInfo is a point-in-time copy of a transport's status.
type ConnectionInfo struct {
	Transport string
	State     ConnectionState
	LastError error
	Retries   int
	Since     time.Time
}

func (i ConnectionInfo) MarshalJSON() ([]byte, error) {
	var lastErr string
	if i.LastError != nil {
		lastErr = i.LastError.Error()
	}
	return json.Marshal(struct {
		Transport string          `json:"transport"`
		State     ConnectionState `json:"state"`
		LastError string          `json:"last_error,omitempty"`
		Retries   int             `json:"retries"`
		Since     time.Time       `json:"since"`
	}{i.Transport, i.State, lastErr, i.Retries, i.Since})
}

// Listener observes status transitions. It runs on the goroutine making
// the transition and must not block.
type Listener func(prev, next ConnectionInfo)

// Status holds one transport's connection state. Only the supervisor that
// owns the transport changes it.
type Status struct {
	mu        sync.Mutex
	info      ConnectionInfo
	listeners []Listener
	now       func() time.Time
}

func NewStatus(transport string) *Status {
	return &Status{
		info: ConnectionInfo{Transport: transport, State: Disconnected, Since: time.Now()},
		now:  time.Now,
	}
}

func (s *Status) Get() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// OnChange registers l for every later transition.
func (s *Status) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Set moves to state. A nil err keeps the previous LastError so the UI can
// still show why the last session ended.
func (s *Status) Set(state ConnectionState, err error, retries int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.info
	next := prev
	next.State = state
	next.Retries = retries
	if err != nil {
		next.LastError = err
	}
	if state != prev.State {
		next.Since = s.now()
	}
	s.info = next

	if state == prev.State && err == nil && retries == prev.Retries {
		return
	}
	for _, l := range s.listeners {
		l(prev, next)
	}
}
