package domain

// KV key schema. Keys use ":" as separator; every cross-process structure
// the core touches is named here so that the schema stays reviewable in one
// place.
const (
	KeyTaskPrefix       = "task:"            // hash, one per task
	KeyTasksPending     = "tasks:pending"    // zset, score = priority*1e9 + (2^53 - created_ms)
	KeyTasksRetry       = "tasks:retry"      // zset, score = scheduled epoch seconds
	KeyTasksEscalated   = "tasks:escalated"  // zset, score = transition epoch
	KeyTasksDLQ         = "tasks:dlq"        // zset, score = transition epoch
	KeyTasksByAgent     = "tasks:by_agent:"  // set, leased task ids per agent
	KeyTasksDependents  = "tasks:dependents:" // set, reverse dependency index
	KeyLockPrefix       = "lock:"            // string token + ":meta" hash
	KeyAgentPrefix      = "agent:"           // hash, one per agent
	KeyAgentsIndex      = "agents:index"     // set of agent ids
	KeyHeartbeats       = "heartbeats"       // zset, score = epoch seconds
	KeyApprovalPrefix   = "approval:"        // hash, one per request
	KeyApprovalsPending = "approvals:pending" // set of open approval ids
	KeyBoardThread      = "board:thread:"    // hash, metadata + posts JSON
	KeyBoardByChannel   = "board:channel:"   // zset of thread ids per channel
	KeyAuditDecisions   = "audit:decisions"  // stream
	KeyLLMSemaphore     = "llm:semaphore"    // int, in-flight LLM calls
	KeyLLMTokens        = "llm:costs:tokens:"   // int per model
	KeyLLMDollars       = "llm:costs:dollars:"  // float per model
	KeyLLMByAgent       = "llm:costs:by_agent:" // hash per agent

	ChannelEscalations      = "channel:escalations"
	ChannelApprovalRequests = "channel:approval:requests"
)
