package waiter

import (
	"sort"

	"github.com/eleven-am/clusterddl/internal/domain"
)

// waitState tracks which target hosts still owe an outcome.
type waitState struct {
	waitSet  map[string]struct{}
	perHost  map[string]domain.HostOutcome
	excluded []string
}

func newWaitState(hosts []string) *waitState {
	s := &waitState{
		waitSet: make(map[string]struct{}, len(hosts)),
		perHost: make(map[string]domain.HostOutcome, len(hosts)),
	}
	for _, h := range hosts {
		s.waitSet[h] = struct{}{}
		s.perHost[h] = domain.PendingOutcome(h)
	}
	return s
}

// observe applies one outcome update and reports whether it removed a host from the wait set.
// A recorded outcome outranks offline detection, so an excluded host that reports is counted
// by its outcome and no longer listed as excluded.
func (s *waitState) observe(o domain.HostOutcome) bool {
	current, target := s.perHost[o.Host]
	if !target || current.IsTerminal() {
		return false
	}
	s.perHost[o.Host] = o
	if !o.IsTerminal() {
		return false
	}
	s.unexclude(o.Host)
	_, waiting := s.waitSet[o.Host]
	delete(s.waitSet, o.Host)
	return waiting
}

func (s *waitState) exclude(host string) bool {
	if _, ok := s.waitSet[host]; !ok {
		return false
	}
	delete(s.waitSet, host)
	s.excluded = append(s.excluded, host)
	return true
}

func (s *waitState) unexclude(host string) {
	for i, h := range s.excluded {
		if h == host {
			s.excluded = append(s.excluded[:i], s.excluded[i+1:]...)
			return
		}
	}
}

func (s *waitState) done() bool {
	return len(s.waitSet) == 0
}

func (s *waitState) remaining() []string {
	out := make([]string, 0, len(s.waitSet))
	for h := range s.waitSet {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (s *waitState) failures() []domain.ExecutionError {
	var out []domain.ExecutionError
	for _, o := range s.perHost {
		if o.Status == domain.OutcomeFailed {
			out = append(out, domain.ExecutionError{Host: o.Host, Detail: o.Error})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (s *waitState) outcomes() map[string]domain.HostOutcome {
	out := make(map[string]domain.HostOutcome, len(s.perHost))
	for h, o := range s.perHost {
		out[h] = o
	}
	return out
}

func (s *waitState) excludedHosts() []string {
	out := append([]string(nil), s.excluded...)
	sort.Strings(out)
	return out
}
