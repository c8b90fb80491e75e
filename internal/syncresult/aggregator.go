// Package syncresult accumulates per-lead outcomes of a sync run.
package syncresult

import "sync"

// Default sample caps.
const (
	DefaultNotFoundCap = 50
	DefaultErrorCap    = 10
)

// LeadError is one recorded per-lead failure.
type LeadError struct {
	LeadID  string `json:"lead_id"`
	Message string `json:"error"`
}

// NotFound is one lead with no remote match.
type NotFound struct {
	LeadID string `json:"lead_id"`
	Phone  string `json:"phone"`
}

// Summary is a point-in-time copy of the counters.
type Summary struct {
	Success         bool        `json:"success"`
	Error           string      `json:"error,omitempty"`
	Total           int         `json:"total"`
	Processed       int         `json:"processed"`
	Updated         int         `json:"updated"`
	Errors          int         `json:"errors"`
	NotFound        int         `json:"not_found"`
	MultipleFound   int         `json:"multiple_found"`
	Skipped         int         `json:"skipped"`
	Qualified       int         `json:"qualified"`
	NotQualified    int         `json:"not_qualified"`
	NotFoundSamples []NotFound  `json:"not_found_samples,omitempty"`
	ErrorSamples    []LeadError `json:"error_samples,omitempty"`
}

// Aggregator is safe for concurrent use by lead tasks.
type Aggregator struct {
	mu          sync.Mutex
	s           Summary
	notFoundCap int
	errorCap    int
}

// New creates an Aggregator. Non-positive caps use the defaults.
func New(notFoundCap, errorCap int) *Aggregator {
	if notFoundCap <= 0 {
		notFoundCap = DefaultNotFoundCap
	}
	if errorCap <= 0 {
		errorCap = DefaultErrorCap
	}
	return &Aggregator{notFoundCap: notFoundCap, errorCap: errorCap}
}

// AddTotal adds n leads to the considered count.
func (a *Aggregator) AddTotal(n int) {
	a.mu.Lock()
	a.s.Total += n
	a.mu.Unlock()
}

// Processed counts a lead whose remote state was resolved and evaluated.
func (a *Aggregator) Processed() {
	a.mu.Lock()
	a.s.Processed++
	a.mu.Unlock()
}

// Updated counts a successful persisted write.
func (a *Aggregator) Updated() {
	a.mu.Lock()
	a.s.Updated++
	a.mu.Unlock()
}

// Skipped counts a lead with no usable identifier.
func (a *Aggregator) Skipped() {
	a.mu.Lock()
	a.s.Skipped++
	a.mu.Unlock()
}

// MultipleFound counts a phone that matched more than one remote lead.
func (a *Aggregator) MultipleFound() {
	a.mu.Lock()
	a.s.MultipleFound++
	a.mu.Unlock()
}

// Qualification counts the computed qualification of a lead.
func (a *Aggregator) Qualification(qualified bool) {
	a.mu.Lock()
	if qualified {
		a.s.Qualified++
	} else {
		a.s.NotQualified++
	}
	a.mu.Unlock()
}

// NotFound counts a lead with no remote match, sampling the first few.
func (a *Aggregator) NotFound(leadID, phone string) {
	a.mu.Lock()
	a.s.NotFound++
	if len(a.s.NotFoundSamples) < a.notFoundCap {
		a.s.NotFoundSamples = append(a.s.NotFoundSamples, NotFound{LeadID: leadID, Phone: phone})
	}
	a.mu.Unlock()
}

// Error counts a per-lead failure, sampling the first few.
func (a *Aggregator) Error(leadID string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	a.mu.Lock()
	a.s.Errors++
	if len(a.s.ErrorSamples) < a.errorCap {
		a.s.ErrorSamples = append(a.s.ErrorSamples, LeadError{LeadID: leadID, Message: msg})
	}
	a.mu.Unlock()
}

// Summary returns a copy of the current counters with Success set.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.s
	s.Success = true
	s.NotFoundSamples = append([]NotFound(nil), a.s.NotFoundSamples...)
	s.ErrorSamples = append([]LeadError(nil), a.s.ErrorSamples...)
	return s
}

// Failed builds the summary of a run that could not start.
func Failed(err error) Summary {
	s := Summary{Success: false}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}
