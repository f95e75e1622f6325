// -----------------------------------------------------------------------
// UserWork - per-(user, service, job) dispatch counters
// -----------------------------------------------------------------------

package models

import "time"

// UserWork is a materialized projection that answers "which service has
// ready work for which user" in O(1). It has no identity of its own and is
// kept in sync with the work_items population by the work store.
type UserWork struct {
	Username     string    `json:"username"`
	ServiceID    string    `json:"serviceID"`
	JobID        string    `json:"jobID"`
	ReadyCount   int       `json:"readyCount"`
	RunningCount int       `json:"runningCount"`
	IsAsync      bool      `json:"isAsync"`
	LastWorked   time.Time `json:"lastWorked"`
}
