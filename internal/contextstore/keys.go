package contextstore

// Standard per-message context keys. Rules and the dispatcher agree on
// these names; every other key is private to the rule that writes it.
const (
	KeyHostname      = "hostname"
	KeyServicename   = "servicename"
	KeyStatename     = "statename"
	KeyTimestamp     = "timestamp"
	KeyIDSupItem     = "idsupitem"
	KeyPayload       = "payload"
	KeyPreviousState = "previous_state"
	KeyRawEventID    = "raw_event_id"
	KeyImpactedHLS   = "impacted_hls"
	// KeyPriority is the aggregate priority computed by the priority rule.
	KeyPriority = "priority"

	// KeyPredecessors holds the ids of correlated events whose cause is
	// topologically upstream of the current item.
	KeyPredecessors = "predecessors_aggregates"
	// KeySuccessors holds the ids of correlated events whose cause
	// topologically depends on the current item.
	KeySuccessors = "successors_aggregates"
)
