package fsm

import "time"

// DeviceSession records one exchange with an external device.
type DeviceSession struct {
	SessionID    string    `json:"session_id"`
	StartedAt    time.Time `json:"started_at"`
	RespondedAt  time.Time `json:"responded_at,omitzero"`
	ResultCode   string    `json:"result_code,omitempty"`
	ResultDetail string    `json:"result_detail,omitempty"`
	ExternalRef  string    `json:"external_ref,omitempty"`
}

// Runtime is one order's progress through fulfillment.
//
// Version is the entry generation of the current state. It increases by one
// on every applied transition, self-loops included, and is what timers are
// armed against.
type Runtime struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"order_id"`
	State          State     `json:"state"`
	StateEnteredAt time.Time `json:"state_entered_at"`
	Version        int64     `json:"version"`
	ReservationID  string    `json:"reservation_id"`
	Amount         int64     `json:"amount"` // minor currency units

	Sessions map[Phase]DeviceSession `json:"sessions,omitempty"`
	Attempts map[Phase]int           `json:"attempts,omitempty"`

	PickupCode string `json:"pickup_code"`
	PINCode    string `json:"pin_code"`
	FallbackQR string `json:"fallback_qr,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate engine-owned maps.
func (r *Runtime) Clone() *Runtime {
	if r == nil {
		return nil
	}
	c := *r
	if r.Sessions != nil {
		c.Sessions = make(map[Phase]DeviceSession, len(r.Sessions))
		for k, v := range r.Sessions {
			c.Sessions[k] = v
		}
	}
	if r.Attempts != nil {
		c.Attempts = make(map[Phase]int, len(r.Attempts))
		for k, v := range r.Attempts {
			c.Attempts[k] = v
		}
	}
	return &c
}

// Session returns the device session for phase p.
func (r *Runtime) Session(p Phase) (DeviceSession, bool) {
	s, ok := r.Sessions[p]
	return s, ok
}

// SetSession stores the device session for phase p.
func (r *Runtime) SetSession(p Phase, s DeviceSession) {
	if r.Sessions == nil {
		r.Sessions = make(map[Phase]DeviceSession)
	}
	r.Sessions[p] = s
}

// Outcome classifies a lifecycle log entry.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
)

// TransitionEntry is one append-only lifecycle log record. Rejected entries
// carry From == To and the error code that caused the rejection.
type TransitionEntry struct {
	Seq       int64     `json:"seq"`
	RuntimeID string    `json:"runtime_id"`
	OrderID   string    `json:"order_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Event     Event     `json:"event"`
	Actor     Actor     `json:"actor"`
	Outcome   Outcome   `json:"outcome"`
	ErrorCode string    `json:"error_code,omitempty"`
	At        time.Time `json:"at"`
}
