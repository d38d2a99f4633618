package messaging

// Topics written by stratumd and read by shareproc.
const (
	TopicShares          = "mining.shares"           // every accepted share
	TopicBlockCandidates = "mining.block_candidates" // shares that solved a block
	TopicBlockResults    = "mining.block_results"    // daemon verdicts on submitted blocks
)

// Encoding selects the wire format of event payloads.
type Encoding string

const (
	EncodingJSON  Encoding = "json"
	EncodingProto Encoding = "proto"
)
