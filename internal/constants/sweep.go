package constants

// Default parameter grid. These match the ranges the capacity-planning
// experiments were first run with.
const (
	DefaultRDFMin  = 8
	DefaultRDFMax  = 88
	DefaultRDFStep = 8

	DefaultRDMin = 3
	DefaultRDMax = 8

	DefaultTBMin  = 0.05
	DefaultTBMax  = 0.15
	DefaultTBStep = 0.02
)

// Generator defaults used by the single-scenario commands.
const (
	// DefaultAlgorithmVersion is the stateful RDF mapping algorithm.
	DefaultAlgorithmVersion = "3"

	DefaultRDF           = 10
	DefaultRackDiversity = 8
	DefaultTargetBalance = 0.25
)

// File naming inside a scenario working directory and topology directory.
const (
	// NullDerivedFile is passed as the previous rdf map for the first
	// snapshot of a series.
	NullDerivedFile = "null"

	TopologyPrefix = "topology_"
	ParamsPrefix   = "params_"
	MappingPrefix  = "map-"
	DerivedPrefix  = "rdfmap-"

	// SingleResultFile is written by single-scenario evaluation.
	SingleResultFile = "result.csv"

	// EventLogFile is the JSONL event trace written into the output directory.
	EventLogFile = "rdfsweep-events.jsonl"

	// LedgerFile is the SQLite run ledger written into the output directory.
	LedgerFile = "rdfsweep.db"
)

// Aggregation column indices in a scenario report row.
const (
	DeviationColumn = 3
	MovementColumn  = 5

	// DefaultStartRow skips the first snapshot's row, which has no movement field.
	DefaultStartRow = 1
)
