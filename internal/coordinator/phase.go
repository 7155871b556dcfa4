package coordinator

// Phase is the coordinator's position in the render pipeline.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDispatching
	PhaseAwaiting
	PhaseCompositing
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDispatching:
		return "dispatching"
	case PhaseAwaiting:
		return "awaiting"
	case PhaseCompositing:
		return "compositing"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}
