package bugs

// legalTransitions is the lifecycle table. Transitions are monotonic with
// three exceptions: terminal states reopen to Detected on an explicit
// recurrence inside the window, a reopened bug walks Detected ->
// Analyzing again, and an interrupted heal steps back to Analyzing so a
// later heal can resume it.
var legalTransitions = map[Status][]Status{
	StatusDetected:  {StatusAnalyzing},
	StatusAnalyzing: {StatusHealing, StatusSuppressed, StatusEscalated},
	StatusHealing:   {StatusResolved, StatusEscalated, StatusAnalyzing},
	// Reopen on recurrence.
	StatusResolved:   {StatusDetected},
	StatusEscalated:  {StatusDetected},
	StatusSuppressed: {StatusDetected},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
