// Package health tracks process readiness and exposes it over the gRPC
// health protocol.
package health

import (
	"sync/atomic"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// State is the readiness of the process. The gRPC status of the overall
// service ("") follows Ready.
type State struct {
	ready        atomic.Bool
	startedAt    time.Time
	lastTickUnix atomic.Int64 // unix nanoseconds

	grpc *health.Server
}

// NewState returns a not-ready state.
func NewState() *State {
	s := &State{startedAt: time.Now(), grpc: health.NewServer()}
	s.SetReady(false)
	return s
}

// SetReady flips readiness and the gRPC serving status together.
func (s *State) SetReady(v bool) {
	s.ready.Store(v)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if v {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.grpc.SetServingStatus("", status)
}

func (s *State) Ready() bool { return s.ready.Load() }

// TouchTick records the time of the latest completed tick.
func (s *State) TouchTick(t time.Time) { s.lastTickUnix.Store(t.UnixNano()) }

func (s *State) LastTick() time.Time {
	u := s.lastTickUnix.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(0, u)
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }

// Shutdown reports NOT_SERVING to every watcher and ignores later updates.
func (s *State) Shutdown() {
	s.ready.Store(false)
	s.grpc.Shutdown()
}

// Snapshot is the JSON view of the state.
type Snapshot struct {
	Ready     bool      `json:"ready"`
	UptimeSec int64     `json:"uptime_sec"`
	LastTick  time.Time `json:"last_tick,omitempty"`
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Ready:     s.Ready(),
		UptimeSec: int64(s.Uptime().Seconds()),
		LastTick:  s.LastTick(),
	}
}
