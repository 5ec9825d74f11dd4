package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/mirror/protocol"
)

var errEventStreamEnded = errors.New("Event stream ended.")
var errAuthRevoked = errors.New("Auth revoked.")

type TreeListenerSettings struct {
	// consecutive failed attempts before the listener stops with an error.
	// Negative retries forever.
	MaxRetries       int
	Backoff          ExponentialBackoff
	ChangeBufferSize int
	// connect without a token when the authorization has none
	AllowAnonymous bool
	StreamSettings *EventStreamSettings
}

func DefaultTreeListenerSettings() *TreeListenerSettings {
	return &TreeListenerSettings{
		MaxRetries: 10,
		Backoff: ExponentialBackoff{
			Delay:    1 * time.Second,
			MaxDelay: 60 * time.Second,
			Factor:   2,
		},
		ChangeBufferSize: 5,
		StreamSettings:   DefaultEventStreamSettings(),
	}
}

// the path that changed and the shared value after the change
type TreeChange struct {
	Path  Path
	Value *ObservedValue
}

// TreeListener keeps a tree mirror in sync with an event stream across
// connections. Each applied event is announced on `Changes`, and the listener
// blocks while the consumer is behind.
type TreeListener struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	client   *http.Client
	url      string
	auth     Authorization
	mirror   *TreeMirror
	settings *TreeListenerSettings
	log      LogFunction
	*streamStatus

	changes chan *TreeChange
	control chan streamControlMessage
	done    chan struct{}
}

func NewTreeListenerWithDefaults(ctx context.Context, url string, auth Authorization, mirror *TreeMirror) *TreeListener {
	return NewTreeListener(ctx, url, auth, mirror, DefaultTreeListenerSettings())
}

// `auth` may be nil for anonymous access
func NewTreeListener(
	ctx context.Context,
	url string,
	auth Authorization,
	mirror *TreeMirror,
	settings *TreeListenerSettings,
) *TreeListener {
	cancelCtx, cancel := context.WithCancel(ctx)
	id := NewId()
	log := LogFn(LogLevelKey, fmt.Sprintf("[tl]%s", id))
	if auth != nil {
		auth = auth.CloneHandle()
	}
	listener := &TreeListener{
		ctx:          cancelCtx,
		cancel:       cancel,
		id:           id,
		client:       eventStreamClient(),
		url:          url,
		auth:         auth,
		mirror:       mirror,
		settings:     settings,
		log:          log,
		streamStatus: newStreamStatus(log),
		changes:      make(chan *TreeChange, settings.ChangeBufferSize),
		control:      make(chan streamControlMessage, 1),
		done:         make(chan struct{}),
	}
	go listener.run()
	return listener
}

func (self *TreeListener) Id() Id {
	return self.id
}

func (self *TreeListener) Url() string {
	return self.url
}

// closed when the listener stops. Check `Err` after.
func (self *TreeListener) Changes() <-chan *TreeChange {
	return self.changes
}

func (self *TreeListener) Value() *ObservedValue {
	return self.mirror.Value()
}

func (self *TreeListener) Done() <-chan struct{} {
	return self.done
}

// Stop queues a stop and waits for the live stream to acknowledge it.
func (self *TreeListener) Stop(ctx context.Context) error {
	select {
	case self.control <- streamControlStop:
	default:
	}
	select {
	case <-self.done:
		return nil
	case <-ctx.Done():
		self.cancel()
		<-self.done
		return ctx.Err()
	}
}

func (self *TreeListener) token() (string, error) {
	if self.auth == nil {
		return "", nil
	}
	token, err := self.auth.GetToken(self.ctx)
	if errors.Is(err, ErrNoToken) && self.settings.AllowAnonymous {
		return "", nil
	}
	return token, err
}

func (self *TreeListener) run() {
	defer func() {
		self.setState(StreamStateStopped)
		close(self.changes)
		close(self.done)
		self.cancel()
	}()

	retry := &retryState{}
	var lastErr error
	for {
		if 0 < retry.attempt {
			if 0 <= self.settings.MaxRetries && self.settings.MaxRetries < retry.attempt {
				glog.Infof("[tl]%s retries exhausted = %s\n", self.id, lastErr)
				self.setErr(fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr))
				return
			}
			self.setState(StreamStateReconnecting)
			select {
			case <-time.After(self.settings.Backoff.Duration(retry.attempt)):
			case <-self.control:
				self.setState(StreamStateDraining)
				return
			case <-self.ctx.Done():
				self.setErr(self.ctx.Err())
				return
			}
		}

		self.setState(StreamStateConnecting)
		token, err := self.token()
		if err != nil {
			if errors.Is(err, ErrNoToken) {
				self.log("no token")
				self.setErr(err)
				return
			}
			lastErr = err
			retry.failed()
			continue
		}
		stream, err := OpenEventStream(self.ctx, self.client, self.url, token, self.settings.StreamSettings)
		if err != nil {
			if self.ctx.Err() != nil {
				self.setErr(self.ctx.Err())
				return
			}
			lastErr = err
			if errors.Is(err, ErrUnauthorized) {
				self.revoked(retry, err)
			} else {
				glog.Infof("[tl]%s connect error (attempt %d) = %s\n", self.id, retry.attempt, err)
				retry.failed()
			}
			continue
		}

		self.setState(StreamStateActive)
		self.log("active %s", stream.Id())
		outcome, err := self.drive(stream, retry)
		switch outcome {
		case driveStopped:
			return
		case driveFatal:
			glog.Errorf("[tl]%s apply error = %s\n", self.id, err)
			self.setErr(err)
			return
		case driveRevoked:
			lastErr = err
			self.revoked(retry, err)
		case driveEnded:
			lastErr = errEventStreamEnded
			retry.failed()
		case driveError:
			glog.Infof("[tl]%s stream error (attempt %d) = %s\n", self.id, retry.attempt, err)
			lastErr = err
			retry.failed()
		}
	}
}

// the next connect mints a fresh token
func (self *TreeListener) revoked(retry *retryState, err error) {
	glog.Infof("[tl]%s credentials rejected (attempt %d) = %s\n", self.id, retry.attempt, err)
	invalidateToken(self.auth)
	if retry.revoke() {
		self.setState(StreamStateReconnecting)
	}
}

func (self *TreeListener) drive(stream *EventStream, retry *retryState) (driveOutcome, error) {
	stop := func() {
		if err := stream.Stop(self.ctx); err != nil {
			self.log("stop %s = %s", stream.Id(), err)
		}
	}

	for {
		select {
		case <-self.control:
			self.setState(StreamStateDraining)
			stop()
			return driveStopped, nil
		case <-self.ctx.Done():
			<-stream.Done()
			self.setErr(self.ctx.Err())
			return driveStopped, nil
		case event, ok := <-stream.Events():
			if !ok {
				<-stream.Done()
				if err := stream.Err(); err != nil {
					return driveError, err
				}
				self.log("ended %s", stream.Id())
				return driveEnded, nil
			}
			switch event.Type {
			case protocol.EventTypePut, protocol.EventTypePatch:
				retry.delivered()
				action, err := eventAction(event)
				if err != nil {
					glog.Infof("[tl]%s drop malformed %s = %s\n", self.id, event.Type, err)
					continue
				}
				path, err := self.mirror.ApplyAction(action)
				if err != nil {
					stop()
					return driveFatal, err
				}
				change := &TreeChange{
					Path:  path,
					Value: self.mirror.Value(),
				}
				select {
				case self.changes <- change:
				case <-self.control:
					self.setState(StreamStateDraining)
					stop()
					return driveStopped, nil
				case <-self.ctx.Done():
					<-stream.Done()
					self.setErr(self.ctx.Err())
					return driveStopped, nil
				}
			case protocol.EventTypeKeepAlive:
				retry.delivered()
			case protocol.EventTypeAuthRevoked:
				stop()
				return driveRevoked, errAuthRevoked
			default:
				glog.Infof("[tl]%s unknown event type %s\n", self.id, event.Type)
			}
		}
	}
}

func eventAction(event *Event) (ChangeAction, error) {
	var payload protocol.EventPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, fmt.Errorf("Missing data.")
	}
	value, err := ParseTreeValue(payload.Data)
	if err != nil {
		return nil, err
	}
	switch event.Type {
	case protocol.EventTypePatch:
		return NewPatchAction(payload.Path, value), nil
	default:
		return NewPutAction(payload.Path, value), nil
	}
}
