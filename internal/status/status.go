package status

import "fmt"

// Status describes where a download task is in its lifecycle.
type Status int32

const (
	Pending Status = iota
	Downloading
	Paused
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Downloading:
		return "Downloading"
	case Paused:
		return "Paused"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Terminal reports whether no further transitions are valid from s.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}
