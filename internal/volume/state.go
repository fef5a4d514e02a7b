package volume

// State is the lifecycle state of a volume.
type State int

const (
	StateUnmounted State = iota
	StateChecking
	StateMounted
	StateFormatting
	StateEjecting
	StateUnmountable
	StateRemoved
	StateBadRemoval
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateChecking:
		return "checking"
	case StateMounted:
		return "mounted"
	case StateFormatting:
		return "formatting"
	case StateEjecting:
		return "ejecting"
	case StateUnmountable:
		return "unmountable"
	case StateRemoved:
		return "removed"
	case StateBadRemoval:
		return "bad_removal"
	default:
		return "unknown"
	}
}

// Type identifies the kind of a volume.
type Type string

const (
	TypePrivate  Type = "private"
	TypeEmulated Type = "emulated"
)
