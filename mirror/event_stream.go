package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/launchdarkly/eventsource"
)

// one server sent event
type Event struct {
	Type string
	Data []byte
	Id   string
}

func (self *Event) String() string {
	return fmt.Sprintf("%s(%d)", self.Type, len(self.Data))
}

type EventStreamSettings struct {
	EventBufferSize int
	StopTimeout     time.Duration
}

func DefaultEventStreamSettings() *EventStreamSettings {
	return &EventStreamSettings{
		EventBufferSize: 32,
		StopTimeout:     5 * time.Second,
	}
}

// EventStream is one `text/event-stream` connection. A producer goroutine
// parses events and pushes them to a bounded channel.
type EventStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	body     io.ReadCloser
	settings *EventStreamSettings
	log      LogFunction

	events   chan *Event
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// `token` is empty for anonymous access
func OpenEventStream(
	ctx context.Context,
	client *http.Client,
	url string,
	token string,
	settings *EventStreamSettings,
) (*EventStream, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(cancelCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	var res *http.Response
	if glog.V(2) {
		res, err = TraceWithReturnError(fmt.Sprintf("[es]open %s", url), func() (*http.Response, error) {
			return client.Do(req)
		})
	} else {
		res, err = client.Do(req)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		res.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, res.Status)
	default:
		res.Body.Close()
		cancel()
		return nil, fmt.Errorf("Event stream failed: %s", res.Status)
	}

	id := NewId()
	stream := &EventStream{
		ctx:      cancelCtx,
		cancel:   cancel,
		id:       id,
		body:     res.Body,
		settings: settings,
		log:      LogFn(LogLevelItem, fmt.Sprintf("[es]%s", id)),
		events:   make(chan *Event, settings.EventBufferSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go stream.run()
	return stream, nil
}

func (self *EventStream) Id() Id {
	return self.id
}

// closed when the stream ends. Check `Err` after.
func (self *EventStream) Events() <-chan *Event {
	return self.events
}

func (self *EventStream) Done() <-chan struct{} {
	return self.done
}

// nil if the stream ended cleanly or was stopped
func (self *EventStream) Err() error {
	select {
	case <-self.done:
		return self.err
	default:
		return nil
	}
}

func (self *EventStream) run() {
	defer func() {
		self.cancel()
		self.body.Close()
		close(self.events)
		close(self.done)
	}()

	HandleError(func() {
		decoder := newEventDecoder(self.body)
		for {
			event, err := decoder.Next()
			if err != nil {
				select {
				case <-self.stopping:
					self.log("stopped")
					return
				default:
				}
				if errors.Is(err, io.EOF) {
					self.log("ended")
					return
				}
				if self.ctx.Err() != nil {
					self.err = self.ctx.Err()
					return
				}
				self.err = err
				return
			}
			self.log("event %s", event)

			select {
			case self.events <- event:
			case <-self.stopping:
				return
			case <-self.ctx.Done():
				self.err = self.ctx.Err()
				return
			}
		}
	}, func(err error) {
		self.err = err
	})
}

// Stop closes the connection and waits for the producer to finish.
func (self *EventStream) Stop(ctx context.Context) error {
	self.stopOnce.Do(func() {
		close(self.stopping)
		self.body.Close()
	})

	timer := time.NewTimer(self.settings.StopTimeout)
	defer timer.Stop()
	select {
	case <-self.done:
		return nil
	case <-timer.C:
		self.cancel()
		<-self.done
		return ErrStopTimeout
	case <-ctx.Done():
		self.cancel()
		<-self.done
		return ctx.Err()
	}
}

// reads events per the `text/event-stream` format. Comments and `retry` are
// ignored. A partial event at the end of the stream is dropped.
type eventDecoder struct {
	decoder *eventsource.Decoder
}

func newEventDecoder(r io.Reader) *eventDecoder {
	return &eventDecoder{
		decoder: eventsource.NewDecoder(r),
	}
}

// returns `io.EOF` when the stream ends
func (self *eventDecoder) Next() (*Event, error) {
	for {
		event, err := self.decoder.Decode()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		eventType := event.Event()
		data := event.Data()
		if eventType == "" && data == "" {
			// only an id or retry
			continue
		}
		if eventType == "" {
			eventType = "message"
		}
		return &Event{
			Type: eventType,
			Data: []byte(data),
			Id:   event.Id(),
		}, nil
	}
}
