package matcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/zone-dispatch/internal/models"
)

// Outcome is where a dispatch run ended up: assigned, waiting for the rider
// to approve an expansion, or one of the failure states.
type Outcome struct {
	RideID    string                 `json:"ride_id"`
	Status    models.RideStatus      `json:"status"`
	DriverID  string                 `json:"driver_id,omitempty"`
	ZoneID    string                 `json:"zone_id,omitempty"`
	Ring      *int                   `json:"ring_number,omitempty"`
	Surcharge float64                `json:"surcharge"`
	FinalFare float64                `json:"final_fare,omitempty"`
	Offer     *models.ExpansionOffer `json:"offer,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Summary is a snapshot of a dispatch run for support tooling.
type Summary struct {
	RideID      string            `json:"ride_id"`
	ZoneID      string            `json:"zone_id,omitempty"`
	ZoneName    string            `json:"zone_name,omitempty"`
	Status      models.RideStatus `json:"status"`
	CurrentRing int               `json:"current_ring"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	Outcome     *Outcome          `json:"outcome,omitempty"`
	Log         []LogEntry        `json:"log"`
}

// run is the in-process state of one dispatch attempt for a ride.
type run struct {
	ride      models.Ride
	startedAt time.Time
	cancelled atomic.Bool
	done      chan struct{}

	mu         sync.Mutex
	zone       models.Zone
	status     models.RideStatus
	ring       int
	timer      Timer
	log        []LogEntry
	outcome    *Outcome
	err        error
	finishedAt time.Time
	pendingAt  time.Time
	settled    bool
}

func newRun(ride models.Ride, now time.Time) *run {
	return &run{
		ride:      ride,
		startedAt: now,
		status:    models.RideSearchingRing,
		done:      make(chan struct{}),
	}
}

func (r *run) record(at time.Time, msg string) {
	r.mu.Lock()
	r.log = append(r.log, LogEntry{At: at, Message: msg})
	r.mu.Unlock()
}

func (r *run) setZone(z models.Zone) {
	r.mu.Lock()
	r.zone = z
	r.mu.Unlock()
}

func (r *run) currentZone() models.Zone {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zone
}

func (r *run) setRing(n int) {
	r.mu.Lock()
	r.ring = n
	r.mu.Unlock()
}

// schedule keeps t as the pending continuation unless the run was cancelled
// in the meantime, in which case t is stopped right away.
func (r *run) schedule(t Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled.Load() || !r.finishedAt.IsZero() {
		t.Stop()
		return
	}
	r.timer = t
}

func (r *run) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// settle publishes o as the run's current result and wakes waiters. A final
// settle closes the run; returns false when the run was already closed.
func (r *run) settle(o Outcome, err error, at time.Time, final bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finishedAt.IsZero() {
		return false
	}
	r.outcome = &o
	r.err = err
	r.status = o.Status
	if final {
		r.finishedAt = at
		r.timer = nil
	} else {
		r.pendingAt = at
	}
	if !r.settled {
		r.settled = true
		close(r.done)
	}
	return true
}

func (r *run) result() (*Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == nil {
		return nil, r.err
	}
	o := *r.outcome
	return &o, r.err
}

func (r *run) finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.finishedAt.IsZero()
}

func (r *run) finishedBefore(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.finishedAt.IsZero() && r.finishedAt.Before(t)
}

// expirePending closes a run that has waited on the rider since before
// cutoff. The ride itself stays pending in the store.
func (r *run) expirePending(cutoff, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finishedAt.IsZero() || r.status != models.RideAwaitingExpansionApproval || !r.pendingAt.Before(cutoff) {
		return false
	}
	r.finishedAt = at
	r.timer = nil
	return true
}

func (r *run) summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		RideID:      r.ride.ID,
		ZoneID:      r.zone.ID,
		ZoneName:    r.zone.Name,
		Status:      r.status,
		CurrentRing: r.ring,
		StartedAt:   r.startedAt,
		Log:         append([]LogEntry(nil), r.log...),
	}
	if !r.finishedAt.IsZero() {
		f := r.finishedAt
		s.FinishedAt = &f
	}
	if r.outcome != nil {
		o := *r.outcome
		s.Outcome = &o
	}
	return s
}
