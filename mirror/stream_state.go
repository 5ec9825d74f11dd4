package mirror

import (
	"errors"
	"sync"
)

var ErrStopTimeout = errors.New("Stream did not acknowledge stop in time.")

// stream state machine is:
// StreamStateConnecting
//
//	-> StreamStateActive
//	  -> StreamStateReconnecting
//	    -> StreamStateConnecting
//	  -> StreamStateDraining
//	    -> StreamStateStopped (terminal)
//	-> StreamStateStopped (terminal, retries exhausted)
type StreamState string

const (
	StreamStateConnecting   StreamState = "Connecting"
	StreamStateActive       StreamState = "Active"
	StreamStateReconnecting StreamState = "Reconnecting"
	StreamStateDraining     StreamState = "Draining"
	StreamStateStopped      StreamState = "Stopped"
)

func (self StreamState) IsTerminal() bool {
	return self == StreamStateStopped
}

type streamControlMessage int

const (
	streamControlStop streamControlMessage = iota
)

// state shared by the supervisors
type streamStatus struct {
	log LogFunction

	stateLock sync.Mutex
	state     StreamState
	err       error
	// notified (closed and replaced) on each state change
	stateChanged chan struct{}
}

func newStreamStatus(log LogFunction) *streamStatus {
	return &streamStatus{
		log:          log,
		state:        StreamStateConnecting,
		stateChanged: make(chan struct{}),
	}
}

func (self *streamStatus) State() StreamState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *streamStatus) setState(state StreamState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == state {
		return
	}
	self.log("state %s -> %s", self.state, state)
	self.state = state
	close(self.stateChanged)
	self.stateChanged = make(chan struct{})
}

// a channel that closes on the next state change
func (self *streamStatus) StateChanged() <-chan struct{} {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stateChanged
}

func (self *streamStatus) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

func (self *streamStatus) setErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.err = err
}
