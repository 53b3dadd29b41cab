package mac

// ARPState is the outcome of an access request slot.
type ARPState uint8

const (
	ARPEmpty ARPState = iota
	ARPCollision
	ARPSuccess
	ARPUndefined
)

// ParseARPState maps a wire code to a state. Unknown codes are ARPUndefined.
func ParseARPState(code byte) ARPState {
	if code > byte(ARPSuccess) {
		return ARPUndefined
	}
	return ARPState(code)
}

func (s ARPState) String() string {
	switch s {
	case ARPEmpty:
		return "EMPTY"
	case ARPCollision:
		return "COLLISION"
	case ARPSuccess:
		return "SUCCESS"
	default:
		return "UNDEFINED"
	}
}

// MarshalText renders the state label.
func (s ARPState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DataState is the outcome of a data slot.
type DataState uint8

const (
	DataEmpty DataState = iota
	DataError
	DataSuccess
	DataUndefined
)

// ParseDataState maps a wire code to a state. Unknown codes are DataUndefined.
func ParseDataState(code byte) DataState {
	if code > byte(DataSuccess) {
		return DataUndefined
	}
	return DataState(code)
}

func (s DataState) String() string {
	switch s {
	case DataEmpty:
		return "EMPTY"
	case DataError:
		return "ERROR"
	case DataSuccess:
		return "SUCCESS"
	default:
		return "UNDEFINED"
	}
}

// MarshalText renders the state label.
func (s DataState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
