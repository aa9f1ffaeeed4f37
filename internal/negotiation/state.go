package negotiation

// LinkState captures where one side of a peer link is in the offer/answer
// exchange.
type LinkState uint32

const (
	// Idle is the initial state. The non-initiator side stays here until
	// an offer arrives.
	Idle LinkState = iota

	Offering

	Answering

	Connecting

	Connected

	Failed

	Retrying

	Terminated
)

func (s LinkState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Offering:
		return "Offering"
	case Answering:
		return "Answering"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	case Retrying:
		return "Retrying"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}
