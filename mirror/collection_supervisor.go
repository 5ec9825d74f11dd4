package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

var ErrRetriesExhausted = errors.New("Retries exhausted.")

type CollectionSupervisorSettings struct {
	// consecutive failed attempts before the supervisor stops with an error.
	// Negative retries forever.
	MaxRetries int
	Backoff    LinearBackoff
	// minimum time between connection starts after the server ends a stream cleanly
	ReconnectTimeout time.Duration

	StaleCheckInterval time.Duration
	// a stream with no checkpoint for `StaleTimeout` +/- `StaleJitter` is replaced
	StaleTimeout time.Duration
	StaleJitter  time.Duration

	UpdateBufferSize int
	StreamSettings   *CollectionStreamSettings
}

func DefaultCollectionSupervisorSettings() *CollectionSupervisorSettings {
	return &CollectionSupervisorSettings{
		MaxRetries: 10,
		Backoff: LinearBackoff{
			Delay:    1 * time.Second,
			MaxDelay: 30 * time.Second,
			Jitter:   1 * time.Second,
		},
		ReconnectTimeout:   1 * time.Second,
		StaleCheckInterval: 60 * time.Second,
		StaleTimeout:       10 * time.Minute,
		StaleJitter:        30 * time.Second,
		UpdateBufferSize:   1,
		StreamSettings:     DefaultCollectionStreamSettings(),
	}
}

type driveOutcome int

const (
	driveStopped driveOutcome = iota
	driveEnded
	driveStale
	driveError
	// credentials revoked, reconnect now with a fresh token
	driveRevoked
	// stop with the error, no retry
	driveFatal
)

// CollectionSupervisor keeps a collection listen open across connections.
// Each connection resumes from the token of the last update handed to the
// consumer.
type CollectionSupervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	builder  ListenRequestBuilder
	settings *CollectionSupervisorSettings
	log      LogFunction
	*streamStatus

	updates chan *CollectionUpdate
	control chan streamControlMessage
	done    chan struct{}

	stateLock   sync.Mutex
	resumeToken []byte
}

func (self *ListenRequestBuilder) BuildRetryWithDefaults(ctx context.Context) *CollectionSupervisor {
	return self.BuildRetry(ctx, DefaultCollectionSupervisorSettings())
}

// BuildRetry starts a supervisor with a copy of the builder.
// Changes to the builder after this call do not affect the supervisor.
func (self *ListenRequestBuilder) BuildRetry(ctx context.Context, settings *CollectionSupervisorSettings) *CollectionSupervisor {
	cancelCtx, cancel := context.WithCancel(ctx)
	id := NewId()
	log := LogFn(LogLevelKey, fmt.Sprintf("[csup]%s %s", id, self.collection))
	supervisor := &CollectionSupervisor{
		ctx:          cancelCtx,
		cancel:       cancel,
		id:           id,
		builder:      *self,
		settings:     settings,
		log:          log,
		streamStatus: newStreamStatus(log),
		updates:      make(chan *CollectionUpdate, settings.UpdateBufferSize),
		control:      make(chan streamControlMessage, 1),
		done:         make(chan struct{}),
		resumeToken:  slices.Clone(self.resumeToken),
	}
	go supervisor.run()
	return supervisor
}

func (self *CollectionSupervisor) Id() Id {
	return self.id
}

// closed when the supervisor stops. Check `Err` after.
func (self *CollectionSupervisor) Updates() <-chan *CollectionUpdate {
	return self.updates
}

func (self *CollectionSupervisor) Done() <-chan struct{} {
	return self.done
}

// the token of the last update handed to the consumer
func (self *CollectionSupervisor) ResumeToken() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.resumeToken)
}

func (self *CollectionSupervisor) setResumeToken(resumeToken []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.resumeToken = slices.Clone(resumeToken)
}

// Stop queues a stop and waits for the live stream to acknowledge it.
func (self *CollectionSupervisor) Stop(ctx context.Context) error {
	select {
	case self.control <- streamControlStop:
	default:
		// a stop is already queued
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

func (self *CollectionSupervisor) run() {
	defer func() {
		self.setState(StreamStateStopped)
		close(self.updates)
		close(self.done)
		self.cancel()
	}()

	retry := &retryState{}
	var lastErr error
	for {
		if 0 < retry.attempt {
			if 0 <= self.settings.MaxRetries && self.settings.MaxRetries < retry.attempt {
				glog.Infof("[csup]%s retries exhausted = %s\n", self.id, lastErr)
				self.setErr(fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr))
				return
			}
			self.setState(StreamStateReconnecting)
			if !self.wait(time.After(self.settings.Backoff.Duration(retry.attempt))) {
				return
			}
		}

		self.setState(StreamStateConnecting)
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		builder := self.builder
		builder.ResumeToken(self.ResumeToken())
		stream, err := builder.Build(self.ctx, self.settings.StreamSettings)
		if err != nil {
			if self.ctx.Err() != nil {
				self.setErr(self.ctx.Err())
				return
			}
			if errors.Is(err, ErrNoToken) {
				self.log("no token")
				self.setErr(err)
				return
			}
			lastErr = err
			if errors.Is(err, ErrUnauthorized) {
				self.revoked(retry, err)
			} else {
				glog.Infof("[csup]%s connect error (attempt %d) = %s\n", self.id, retry.attempt, err)
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
		case driveRevoked:
			lastErr = err
			self.revoked(retry, err)
		case driveError:
			glog.Infof("[csup]%s stream error (attempt %d) = %s\n", self.id, retry.attempt, err)
			lastErr = err
			retry.failed()
		case driveStale:
			self.setState(StreamStateReconnecting)
		case driveEnded:
			if builder.once {
				self.log("once complete")
				return
			}
			self.setState(StreamStateReconnecting)
			if !self.wait(reconnect.After()) {
				return
			}
		}
	}
}

// the next connect mints a fresh token
func (self *CollectionSupervisor) revoked(retry *retryState, err error) {
	glog.Infof("[csup]%s credentials rejected (attempt %d) = %s\n", self.id, retry.attempt, err)
	invalidateToken(self.builder.auth)
	if retry.revoke() {
		self.setState(StreamStateReconnecting)
	}
}

// returns false if the supervisor should stop
func (self *CollectionSupervisor) wait(after <-chan time.Time) bool {
	select {
	case <-after:
		return true
	case <-self.control:
		self.setState(StreamStateDraining)
		return false
	case <-self.ctx.Done():
		self.setErr(self.ctx.Err())
		return false
	}
}

func (self *CollectionSupervisor) drive(stream *CollectionStream, retry *retryState) (driveOutcome, error) {
	staleTicker := time.NewTicker(self.settings.StaleCheckInterval)
	defer staleTicker.Stop()

	stop := func() {
		self.setState(StreamStateDraining)
		if err := stream.Stop(self.ctx); err != nil {
			self.log("stop %s = %s", stream.Id(), err)
		}
	}

	lastCheckpointTime := time.Now()
	for {
		select {
		case <-staleTicker.C:
			threshold := self.settings.StaleTimeout + symmetricJitter(self.settings.StaleJitter)
			if elapsed := time.Since(lastCheckpointTime); threshold < elapsed {
				glog.Infof("[csup]%s stale %s after %s\n", self.id, stream.Id(), elapsed)
				if err := stream.Stop(self.ctx); err != nil {
					self.log("stop stale %s = %s", stream.Id(), err)
				}
				return driveStale, nil
			}
		case <-self.control:
			stop()
			return driveStopped, nil
		case <-self.ctx.Done():
			<-stream.Done()
			self.setErr(self.ctx.Err())
			return driveStopped, nil
		case update, ok := <-stream.Updates():
			if !ok {
				<-stream.Done()
				if err := stream.Err(); err != nil {
					var removed *TargetRemovedError
					if errors.As(err, &removed) && removed.Unauthorized() {
						return driveRevoked, err
					}
					return driveError, err
				}
				self.log("ended %s", stream.Id())
				return driveEnded, nil
			}
			lastCheckpointTime = time.Now()
			select {
			case self.updates <- update:
				retry.delivered()
				if 0 < len(update.ResumeToken) {
					self.setResumeToken(update.ResumeToken)
				}
			case <-self.control:
				stop()
				return driveStopped, nil
			case <-self.ctx.Done():
				<-stream.Done()
				self.setErr(self.ctx.Err())
				return driveStopped, nil
			}
		}
	}
}
