package domain

import (
	"encoding/json"
	"time"
)

// CallState is the state of the single call session.
type CallState string

const (
	CallIdle            CallState = "IDLE"
	CallOutgoingRinging CallState = "OUTGOING_RINGING"
	CallIncomingRinging CallState = "INCOMING_RINGING"
	CallConnecting      CallState = "CONNECTING"
	CallActive          CallState = "ACTIVE"
	CallEnded           CallState = "ENDED"
	CallRejected        CallState = "REJECTED"
)

// Terminal reports whether the session is finished.
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallRejected
}

type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

// CallSession is a read-only snapshot of the current call.
type CallSession struct {
	ID        string
	Peer      PeerID
	Direction CallDirection
	State     CallState
	StartTime time.Time // set on ACTIVE
	EndTime   time.Time
	Encrypted bool
}

type CallStatus string

const (
	CallCompleted      CallStatus = "completed"
	CallStatusRejected CallStatus = "rejected"
)

// CallRecord summarizes a finished call for the message history.
type CallRecord struct {
	CallID    string
	Peer      PeerID
	Direction CallDirection
	Status    CallStatus
	Duration  time.Duration
	StartTime time.Time
	EndTime   time.Time
}

type callRecordContent struct {
	Type      string     `json:"type"`
	Status    CallStatus `json:"status"`
	Duration  int64      `json:"duration"` // seconds
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   time.Time  `json:"endTime"`
}

// Content renders the JSON body stored for a voice_call message.
func (r CallRecord) Content() string {
	c := callRecordContent{
		Type:     MessageTypeVoiceCall,
		Status:   r.Status,
		Duration: int64(r.Duration / time.Second),
		EndTime:  r.EndTime,
	}
	if !r.StartTime.IsZero() {
		st := r.StartTime
		c.StartTime = &st
	}
	b, _ := json.Marshal(c)
	return string(b)
}

// MessageRecord converts the call record into a history entry owned by self.
func (r CallRecord) MessageRecord(self PeerID) MessageRecord {
	from, to := self, r.Peer
	if r.Direction == CallIncoming {
		from, to = r.Peer, self
	}
	return MessageRecord{
		ID:          r.CallID,
		From:        from,
		To:          to,
		Content:     r.Content(),
		MessageType: MessageTypeVoiceCall,
		Method:      MethodDirect,
		Timestamp:   r.EndTime,
		Read:        true,
		Delivered:   true,
	}
}
