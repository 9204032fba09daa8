package model

import "time"

// JobLogEntry is the persisted audit record of a finished job.
type JobLogEntry struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Family     string    `json:"family"`
	AccountID  string    `json:"account_id"`
	Status     string    `json:"status"`
	Processed  int64     `json:"processed"`
	Succeeded  int64     `json:"succeeded"`
	Failed     int64     `json:"failed"`
	RetryCount int       `json:"retry_count"`
	Message    string    `json:"message"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
