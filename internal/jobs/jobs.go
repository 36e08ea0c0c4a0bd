package jobs

// Job types dispatched through the registry. The string is stored on the
// job_run row and doubles as the workflow routing key.
const (
	TypeChannelPublish = "channel_publish"
	TypeSubtreeCopy    = "subtree_copy"
	TypeNodeSync       = "node_sync"
)
