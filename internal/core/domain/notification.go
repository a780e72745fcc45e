package domain

// Notification is pushed to the host application. The set is closed.
type Notification interface {
	notification()
}

type MessageReceived struct {
	Message MessageRecord
}

type PresenceChanged struct {
	Record PresenceRecord
}

type LinkStateChanged struct {
	Peer  PeerID
	State LinkState
	Err   error
}

type ChannelStateChanged struct {
	State  string
	Failed bool
}

type IncomingCall struct {
	CallID    string
	Peer      PeerID
	Encrypted bool
}

type CallStateChanged struct {
	Session CallSession
	Err     error
}

type CallRecorded struct {
	Record CallRecord
}

func (MessageReceived) notification()     {}
func (PresenceChanged) notification()     {}
func (LinkStateChanged) notification()    {}
func (ChannelStateChanged) notification() {}
func (IncomingCall) notification()        {}
func (CallStateChanged) notification()    {}
func (CallRecorded) notification()        {}
