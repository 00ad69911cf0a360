package logger

// Output controls what categories of information the CLI prints at each verbosity level.
//
// Unlike log levels (which filter by severity), output categories control
// WHAT types of information are displayed.
//
//	0 (default) - results, errors with hints, final status
//	1 (-v)      - + step progress, retrieval hits
//	2 (-vv)     - + rendered prompts, timing, config loaded
//	3 (-vvv)    - + HTTP calls, SQL
//	4 (-vvvv)   - + full completions and request bodies

// OutputCategory defines a category of output that can be enabled/disabled
type OutputCategory int

const (
	// Level 0 (default) - Always shown
	OutputResults    OutputCategory = iota // Command output
	OutputErrors                           // Errors with hints
	OutputUserStatus                       // Final success/failure status

	// Level 1 (-v)
	OutputProgress // Step started/finished
	OutputRetrieval

	// Level 2 (-vv)
	OutputPrompts // Rendered messages sent to the backend
	OutputTiming
	OutputConfig

	// Level 3 (-vvv)
	OutputHTTPCalls
	OutputSQLQueries

	// Level 4 (-vvvv)
	OutputCompletions // Full completion bodies
	OutputDataDump    // Full context dumps
)

// categoryLevels maps each output category to its minimum verbosity level
var categoryLevels = map[OutputCategory]int{
	OutputResults:    VerbosityUser,
	OutputErrors:     VerbosityUser,
	OutputUserStatus: VerbosityUser,

	OutputProgress:  VerbosityInfo,
	OutputRetrieval: VerbosityInfo,

	OutputPrompts: VerbosityDebug,
	OutputTiming:  VerbosityDebug,
	OutputConfig:  VerbosityDebug,

	OutputHTTPCalls:  VerbosityTrace,
	OutputSQLQueries: VerbosityTrace,

	OutputCompletions: VerbosityAll,
	OutputDataDump:    VerbosityAll,
}

// ShouldOutput returns true if the given category should be shown at the given verbosity
func ShouldOutput(verbosity int, category OutputCategory) bool {
	minLevel, ok := categoryLevels[category]
	if !ok {
		// Unknown category, default to highest verbosity required
		return verbosity >= VerbosityAll
	}
	return verbosity >= minLevel
}

var categoryNames = map[OutputCategory]string{
	OutputResults:     "results",
	OutputErrors:      "errors",
	OutputUserStatus:  "status",
	OutputProgress:    "progress",
	OutputRetrieval:   "retrieval",
	OutputPrompts:     "prompts",
	OutputTiming:      "timing",
	OutputConfig:      "config",
	OutputHTTPCalls:   "http",
	OutputSQLQueries:  "sql",
	OutputCompletions: "completions",
	OutputDataDump:    "data-dump",
}

// CategoryName returns the human-readable name for an output category
func CategoryName(category OutputCategory) string {
	if name, ok := categoryNames[category]; ok {
		return name
	}
	return "unknown"
}
