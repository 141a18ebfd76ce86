package models

// PageOutcome is what happened to one candidate page URL during a cycle
type PageOutcome string

const (
	OutcomeUnset            PageOutcome = ""                  // Zero value = not visited
	OutcomeProcessed        PageOutcome = "processed"         // Extraction completed
	OutcomeFailed           PageOutcome = "failed"            // Fetch or parse failed, page not marked processed
	OutcomeSkippedProcessed PageOutcome = "skipped_processed" // Already processed in an earlier cycle
	OutcomeSkippedExcluded  PageOutcome = "skipped_excluded"  // Matched an excluded_url_patterns entry
	OutcomeSkippedRobots    PageOutcome = "skipped_robots"    // Disallowed by robots.txt
)

// String implements fmt.Stringer for logging
func (o PageOutcome) String() string {
	if o == "" {
		return "unset"
	}
	return string(o)
}

// IsSkip reports whether the page was never fetched
func (o PageOutcome) IsSkip() bool {
	switch o {
	case OutcomeSkippedProcessed, OutcomeSkippedExcluded, OutcomeSkippedRobots:
		return true
	}
	return false
}
