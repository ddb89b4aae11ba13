package scheduler

import (
	"sort"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]ScheduleInfo, 0, len(s.entries))
	for name, e := range s.entries {
		it := ScheduleInfo{Name: name, Enabled: e.enabled, Next: e.next, Prev: e.last, Error: e.err}
		if e.spec != nil {
			it.Spec = e.spec.String()
		} else {
			it.Spec = e.def.String()
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return Snapshot{
		Enabled:   s.cfg.Enabled,
		Running:   s.stopCh != nil,
		Timezone:  s.loc.String(),
		Tick:      s.cfg.tick(),
		Schedules: items,
	}
}
