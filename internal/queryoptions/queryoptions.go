// Package queryoptions implements the typed QueryOptions configuration
// consumed by the planner and the ExecutionEngine Instantiator (spec.md
// §6, "Query options"). Options arrive as a VelocyPack-flavored object on
// the wire and are merged against process-wide defaults before a query is
// planned.
package queryoptions

// Profile selects the level of timing detail collected while a query runs
// (spec.md §6: "profile (enum 0/1/2)").
type Profile int

const (
	ProfileOff     Profile = 0
	ProfileBasic   Profile = 1
	ProfileDetailed Profile = 2
)

// Options is the subset of AQL query options this package models (spec.md
// §6). Field names mirror the wire object's keys so wire.Unmarshal can
// decode directly into this struct via its codec tags.
type Options struct {
	MemoryLimit                  uint64   `codec:"memoryLimit"`
	MaxNumberOfPlans              int      `codec:"maxNumberOfPlans"`
	MaxWarningCount                int      `codec:"maxWarningCount"`
	MaxNodesPerCallstack           int      `codec:"maxNodesPerCallstack"`
	SpillOverThresholdNumRows      uint64   `codec:"spillOverThresholdNumRows"`
	SpillOverThresholdMemoryUsage  uint64   `codec:"spillOverThresholdMemoryUsage"`
	MaxDNFConditionMembers         int      `codec:"maxDNFConditionMembers"`
	MaxRuntime                     float64  `codec:"maxRuntime"`
	SatelliteSyncWait              float64  `codec:"satelliteSyncWait"`
	TTL                            float64  `codec:"ttl"`
	Profile                        Profile  `codec:"profile"`
	TraversalProfile                bool     `codec:"traversalProfile"`
	AllPlans                        bool     `codec:"allPlans"`
	VerbosePlans                    bool     `codec:"verbosePlans"`
	ExplainInternals                 bool     `codec:"explainInternals"`
	Stream                           bool     `codec:"stream"`
	AllowRetry                       bool     `codec:"allowRetry"`
	Silent                           bool     `codec:"silent"`
	FailOnWarning                    bool     `codec:"failOnWarning"`
	Cache                            bool     `codec:"cache"`
	FullCount                        bool     `codec:"fullCount"`
	Count                            bool     `codec:"count"`
	ForceOneShardAttributeValue       string   `codec:"forceOneShardAttributeValue"`
	OptimizerRules                    []string `codec:"optimizer.rules"`
	ShardIDs                          []string `codec:"shardIds"`
}

// Defaults holds the process-wide option values new queries are merged
// against (spec.md §6: "Defaults are process-wide and overridable").
type Defaults struct {
	Options
	AllowMemoryLimitOverride bool
}

// DefaultDefaults returns the conservative process defaults this agency
// ships with. Per-query options are layered on top of it with Merge.
func DefaultDefaults() Defaults {
	return Defaults{
		Options: Options{
			MemoryLimit:         0, // 0 == unlimited
			MaxNumberOfPlans:    192,
			MaxWarningCount:     10,
			MaxNodesPerCallstack: 250,
			MaxDNFConditionMembers: 786432,
			MaxRuntime:           0, // 0 == unlimited
			TTL:                  30,
			Profile:              ProfileOff,
			AllowRetry:           true,
			Count:                false,
		},
		AllowMemoryLimitOverride: false,
	}
}

// Merge layers requested on top of d's defaults, applying the
// allowMemoryLimitOverride rule (spec.md §6: "if false, only decreases are
// honored") to MemoryLimit specifically. MaxNumberOfPlans,
// MaxWarningCount, MaxNodesPerCallstack, MaxDNFConditionMembers, TTL and
// OptimizerRules fall back to the default when requested leaves them zero
// or empty; every other field is taken from requested as given, so a zero
// value there (for example AllowRetry=false) replaces the default.
func (d Defaults) Merge(requested Options) Options {
	out := d.Options
	merged := requested

	switch {
	case requested.MemoryLimit == 0:
		merged.MemoryLimit = out.MemoryLimit
	case d.AllowMemoryLimitOverride:
		merged.MemoryLimit = requested.MemoryLimit
	case out.MemoryLimit == 0 || requested.MemoryLimit < out.MemoryLimit:
		merged.MemoryLimit = requested.MemoryLimit // a decrease, or tightening an unlimited default
	default:
		merged.MemoryLimit = out.MemoryLimit
	}

	if requested.MaxNumberOfPlans == 0 {
		merged.MaxNumberOfPlans = out.MaxNumberOfPlans
	}
	if requested.MaxWarningCount == 0 {
		merged.MaxWarningCount = out.MaxWarningCount
	}
	if requested.MaxNodesPerCallstack == 0 {
		merged.MaxNodesPerCallstack = out.MaxNodesPerCallstack
	}
	if requested.MaxDNFConditionMembers == 0 {
		merged.MaxDNFConditionMembers = out.MaxDNFConditionMembers
	}
	if requested.TTL == 0 {
		merged.TTL = out.TTL
	}
	if len(requested.OptimizerRules) == 0 {
		merged.OptimizerRules = out.OptimizerRules
	}

	return merged
}
