package domain

import "time"

// HistoryDateLayout formats the calendar date used as a session key.
const HistoryDateLayout = "2006-01-02"

// HistoryTimeLayout formats the finishedAt label of a session.
const HistoryTimeLayout = "02/01/2006 15:04"

// HistorySession regroups log entries recorded by one operator at one location on one day.
type HistorySession struct {
	Location   string     `json:"location"`
	UserName   string     `json:"userName"`
	Date       string     `json:"date"`
	FinishedAt string     `json:"finishedAt"`
	Status     Outcome    `json:"status"`
	Entries    []LogEntry `json:"entries"`
}

// historyKey identifies one session.
type historyKey struct {
	location string
	userName string
	date     string
}

// ReconstructHistory regroups entries into sessions using UTC calendar dates.
func ReconstructHistory(entries []LogEntry) []HistorySession {
	return ReconstructHistoryIn(entries, time.UTC)
}

// ReconstructHistoryIn regroups entries by (location, userName, date in loc).
// Sessions keep the first-seen order of their keys and entries keep arrival order, so
// the result is only as "newest first" as the input log.
func ReconstructHistoryIn(entries []LogEntry, loc *time.Location) []HistorySession {
	if loc == nil {
		loc = time.UTC
	}
	sessions := make([]HistorySession, 0)
	index := map[historyKey]int{}
	for _, entry := range entries {
		local := entry.Timestamp.In(loc)
		key := historyKey{
			location: entry.Location,
			userName: entry.UserName,
			date:     local.Format(HistoryDateLayout),
		}
		pos, ok := index[key]
		if !ok {
			pos = len(sessions)
			index[key] = pos
			sessions = append(sessions, HistorySession{
				Location:   key.location,
				UserName:   key.userName,
				Date:       key.date,
				FinishedAt: local.Format(HistoryTimeLayout),
				Status:     OutcomeCompleted,
				Entries:    []LogEntry{},
			})
		}
		session := &sessions[pos]
		session.Entries = append(session.Entries, entry)
		if entry.Status.IsDiscrepancy() {
			session.Status = OutcomeDivergence
		}
	}
	return sessions
}
