package model

import "strings"

// Production is one unit of remote processing work as listed by the backend.
type Production struct {
	ID                     string     `json:"id" yaml:"id"`
	Name                   string     `json:"name" yaml:"name"`
	User                   string     `json:"user" yaml:"user"`
	OutputPath             string     `json:"outputPath,omitempty" yaml:"output_path,omitempty"`
	AdditionalStagingPaths []string   `json:"additionalStagingPaths,omitempty" yaml:"additional_staging_paths,omitempty"`
	AutoStaging            bool       `json:"autoStaging" yaml:"auto_staging"`
	ProcessingStatus       WorkStatus `json:"processingStatus" yaml:"processing_status"`
	StagingStatus          WorkStatus `json:"stagingStatus" yaml:"staging_status"`
}

// IsDone reports whether neither processing nor a pending auto staging
// will make further progress.
func (p *Production) IsDone() bool {
	if !p.ProcessingStatus.IsDone() {
		return false
	}
	if p.AutoStaging && p.ProcessingStatus.State == StateCompleted {
		return p.StagingStatus.IsDone()
	}
	return true
}

// StatusEqual compares the two status fields by value.
func (p *Production) StatusEqual(o *Production) bool {
	return p.ProcessingStatus.Equal(o.ProcessingStatus) && p.StagingStatus.Equal(o.StagingStatus)
}

const (
	FilterAll        = "all"
	filterUserPrefix = "user="
)

// FilterUser returns the snapshot filter selecting the productions of user.
func FilterUser(user string) string {
	return filterUserPrefix + user
}

// NormalizeFilter maps "" to FilterAll and "mine" to the user filter.
func NormalizeFilter(filter, user string) string {
	switch strings.TrimSpace(filter) {
	case "", FilterAll:
		return FilterAll
	case "mine":
		return FilterUser(user)
	default:
		return filter
	}
}

// MatchesFilter applies a snapshot filter locally.
func (p *Production) MatchesFilter(filter string) bool {
	if u, ok := strings.CutPrefix(filter, filterUserPrefix); ok {
		return p.User == u
	}
	return true
}
