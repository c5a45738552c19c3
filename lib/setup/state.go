package setup

// State is the pipeline's position in the single-pass setup sequence.
// Conditional states are only entered when their gate holds; StateFailed
// is terminal and reachable from every state.
type State int

const (
	StateInit State = iota
	StateConfigParsed
	StateSiteConfigLoaded
	StateImageResolved
	StateLoopMounted
	StateNamespaceMounted
	StateSSHConfigured
	StateUserMountsApplied
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConfigParsed:
		return "config parsed"
	case StateSiteConfigLoaded:
		return "site config loaded"
	case StateImageResolved:
		return "image resolved"
	case StateLoopMounted:
		return "loop mounted"
	case StateNamespaceMounted:
		return "namespace mounted"
	case StateSSHConfigured:
		return "ssh configured"
	case StateUserMountsApplied:
		return "user mounts applied"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
