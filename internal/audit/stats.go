package audit

// AgentStats: сводка по агенту, вычисленная полным перечитыванием журнала.
type AgentStats struct {
	AgentID         string  `json:"agent_id"`
	TotalCalls      int     `json:"total_calls"`
	Successful      int     `json:"successful"`
	Failed          int     `json:"failed"`
	TimedOut        int     `json:"timed_out"`
	RateLimited     int     `json:"rate_limited"`
	Denied          int     `json:"denied"`
	TotalDurationMs float64 `json:"total_duration_ms"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
}

// AgentStats перечитывает журнал целиком.
func (s *Sink) AgentStats(agentID string) (AgentStats, error) {
	records, err := s.Load()
	if err != nil {
		return AgentStats{AgentID: agentID}, err
	}
	return Summarize(records, agentID), nil
}

// Summarize считает статистику агента по набору записей.
func Summarize(records []Record, agentID string) AgentStats {
	st := AgentStats{AgentID: agentID}
	for _, r := range records {
		if r.AgentID != agentID {
			continue
		}
		if r.EventType == EventPermissionDenied {
			st.Denied++
			continue
		}
		if r.Tool == "" {
			continue
		}
		st.TotalCalls++
		switch r.Status {
		case StatusSuccess:
			st.Successful++
		case StatusError:
			st.Failed++
		case StatusTimeout:
			st.TimedOut++
		case StatusRateLimited:
			st.RateLimited++
		}
		if r.DurationMs != nil {
			st.TotalDurationMs += *r.DurationMs
		}
	}
	st.AvgDurationMs = st.TotalDurationMs / float64(max(st.Successful, 1))
	return st
}
