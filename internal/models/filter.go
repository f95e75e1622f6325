// -----------------------------------------------------------------------
// JobFilter - listing criteria for the jobs API
// -----------------------------------------------------------------------

package models

// JobFilter narrows a job listing. Zero values mean "no constraint";
// a zero Limit falls back to the store default page size.
type JobFilter struct {
	Username string      `json:"username,omitempty"`
	Statuses []JobStatus `json:"statuses,omitempty"`
	Limit    int         `json:"limit,omitempty"`
	Offset   int         `json:"offset,omitempty"`
}
