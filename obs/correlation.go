package obs

import "github.com/google/uuid"

// InstanceTag is a per-process correlation id attached to every structured
// log line an engine context emits, so multi-endpoint test runs and
// multi-process deployments can be told apart in a shared log stream
// without coordinating PIDs or addresses across processes.
type InstanceTag string

// NewInstanceTag generates a fresh correlation id.
func NewInstanceTag() InstanceTag {
	return InstanceTag(uuid.NewString())
}

func (t InstanceTag) String() string { return string(t) }
