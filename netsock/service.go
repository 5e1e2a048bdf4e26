package netsock

import (
	"time"

	"github.com/opendgram/snp/conn"
	"github.com/opendgram/snp/internal/worker"
)

// track registers c with this registry's thinker scheduler so its Think
// runs automatically once a Service is polling the registry, and arranges
// for its local connection id to return to the recent-reuse ring once it
// dies. localConnID is 0 for connections whose id was not drawn from
// AllocLocalConnID; such an id is not freed into the ring.
func (reg *Registry) track(c *conn.Connection, localConnID uint32, now time.Time) {
	reg.scheduler.Schedule(c, now)
	reg.nudge()

	c.OnWake = func() {
		reg.scheduler.Schedule(c, time.Now())
		reg.nudge()
	}

	prevDestroy := c.OnDestroy
	c.OnDestroy = func(cc *conn.Connection) {
		reg.scheduler.Cancel(cc)
		if localConnID != 0 {
			reg.connIDs.Free(localConnID)
		}
		if prevDestroy != nil {
			prevDestroy(cc)
		}
	}
}

// Service is spec.md §5's background service thread: one goroutine,
// managed by internal/worker the same way stream.Stream embeds it for
// its reader/writer goroutines, repeatedly asking the registry's
// timerqueue for its next deadline and calling RunDue once it passes.
// Without a Service running, a Registry's connections still work, but
// nothing drives their Think passes (the loopback/test paths call Think
// directly instead).
type Service struct {
	worker.Worker
	reg *Registry
}

// NewService starts the background scheduling loop for reg and returns
// the Service managing its goroutine's lifecycle. Call Halt then Wait to
// stop it.
func NewService(reg *Registry) *Service {
	s := &Service{reg: reg}
	s.Go(s.run)
	return s
}

func (s *Service) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		wait := time.Hour
		if next, ok := s.reg.scheduler.NextDeadline(); ok {
			wait = next.Sub(time.Now())
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-s.reg.wake:
		case <-timer.C:
		case <-s.HaltCh():
			return
		}
		s.reg.scheduler.RunDue(time.Now())
	}
}
