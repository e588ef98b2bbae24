package registry

import "context"

// LivenessProbe adapts a Registry to the Alive() query the health evaluator
// and heartbeat supervisor expect, for the standalone probe path where no
// spawned process handle exists.
type LivenessProbe struct {
	Reg Registry
}

// Alive reports whether a matching poller process currently exists.
// Scan errors read as "not alive": the evaluator must never block on them.
func (p LivenessProbe) Alive() bool {
	e, err := p.Reg.FindPoller(context.Background())
	return err == nil && e != nil
}
