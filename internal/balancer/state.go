package balancer

// ControllerState is the PID memory per class. The zero value is usable.
type ControllerState struct {
	Integral  map[string]float64 `json:"integral_error"`
	PrevError map[string]float64 `json:"prev_error"`
}

// NewControllerState returns an empty state.
func NewControllerState() ControllerState {
	return ControllerState{
		Integral:  make(map[string]float64),
		PrevError: make(map[string]float64),
	}
}

// Clone returns a deep copy so a strategy never mutates its caller's state.
func (s ControllerState) Clone() ControllerState {
	out := NewControllerState()
	for k, v := range s.Integral {
		out.Integral[k] = v
	}
	for k, v := range s.PrevError {
		out.PrevError[k] = v
	}
	return out
}
