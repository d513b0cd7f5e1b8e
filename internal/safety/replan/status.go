package replan

import "fmt"

// Status is the externally observed state of the replanning task.
type Status uint8

const (
	Idle Status = iota
	Ongoing
	Succeed
	Timeout
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ongoing:
		return "ongoing"
	case Succeed:
		return "succeed"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Finished reports whether a result is waiting to be consumed.
func (s Status) Finished() bool {
	return s == Succeed || s == Timeout
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for st := Idle; st <= Timeout; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown replan status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
