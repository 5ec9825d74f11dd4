package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
	"google.golang.org/grpc/codes"

	"github.com/bringyour/mirror/protocol"
)

// target id used for every listen. ascii "Mirr"
const DefaultTargetId int32 = 0x4d697272

// One bidirectional listen stream.
// `Receive` returns `io.EOF` when the server ends the stream cleanly.
type ListenConn interface {
	Send(req *protocol.ListenRequest) error
	Receive() (*protocol.ListenResponse, error)
	// ends the client side of the stream. The server acknowledges by ending its side.
	CloseSend() error
	Close() error
}

type ListenDialer interface {
	// `token` is empty for anonymous access
	Dial(ctx context.Context, token string) (ListenConn, error)
}

type ListenDialFunc func(ctx context.Context, token string) (ListenConn, error)

func (self ListenDialFunc) Dial(ctx context.Context, token string) (ListenConn, error) {
	return self(ctx, token)
}

type CollectionStreamSettings struct {
	UpdateBufferSize int
	StopTimeout      time.Duration
}

func DefaultCollectionStreamSettings() *CollectionStreamSettings {
	return &CollectionStreamSettings{
		UpdateBufferSize: 1,
		StopTimeout:      5 * time.Second,
	}
}

// Builds listen requests for one collection.
type ListenRequestBuilder struct {
	dialer ListenDialer
	auth   Authorization

	collection      string
	database        string
	parent          string
	structuredQuery *protocol.StructuredQuery
	resumeToken     []byte
	once            bool
	targetId        int32
}

// `auth` may be nil for anonymous access
func NewListenRequestBuilder(dialer ListenDialer, auth Authorization, collection string) *ListenRequestBuilder {
	projectId := ""
	if auth != nil {
		projectId = auth.ProjectId()
	}
	database := fmt.Sprintf("projects/%s/databases/(default)", projectId)
	return &ListenRequestBuilder{
		dialer:     dialer,
		auth:       auth,
		collection: collection,
		database:   database,
		parent:     fmt.Sprintf("%s/documents", database),
		targetId:   DefaultTargetId,
	}
}

func (self *ListenRequestBuilder) Database(database string) *ListenRequestBuilder {
	self.database = database
	self.parent = fmt.Sprintf("%s/documents", database)
	return self
}

// `parent` is relative to the database, e.g. "documents/rooms/r1"
func (self *ListenRequestBuilder) Parent(parent string) *ListenRequestBuilder {
	self.parent = fmt.Sprintf("%s/%s", self.database, parent)
	return self
}

// the query is passed through to the server as is.
// The default selects every document of the collection.
func (self *ListenRequestBuilder) StructuredQuery(structuredQuery *protocol.StructuredQuery) *ListenRequestBuilder {
	self.structuredQuery = structuredQuery
	return self
}

func (self *ListenRequestBuilder) ResumeToken(resumeToken []byte) *ListenRequestBuilder {
	self.resumeToken = slices.Clone(resumeToken)
	return self
}

// the server ends the stream after the target is current
func (self *ListenRequestBuilder) Once() *ListenRequestBuilder {
	self.once = true
	return self
}

func (self *ListenRequestBuilder) Collection() string {
	return self.collection
}

func (self *ListenRequestBuilder) Request(labels map[string]string) *protocol.ListenRequest {
	structuredQuery := self.structuredQuery
	if structuredQuery == nil {
		structuredQuery = protocol.CollectionQuery(self.collection)
	}
	target := protocol.NewQueryTarget(
		self.targetId,
		self.parent,
		structuredQuery,
		slices.Clone(self.resumeToken),
		self.once,
	)
	return protocol.NewAddTargetRequest(self.database, labels, target)
}

func (self *ListenRequestBuilder) token(ctx context.Context) (string, error) {
	if self.auth == nil {
		return "", nil
	}
	return self.auth.GetToken(ctx)
}

// Build opens one stream without retries.
func (self *ListenRequestBuilder) Build(ctx context.Context, settings *CollectionStreamSettings) (*CollectionStream, error) {
	token, err := self.token(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := self.dialer.Dial(ctx, token)
	if err != nil {
		return nil, err
	}
	id := NewId()
	req := self.Request(map[string]string{
		"stream_id": id.String(),
	})
	if 0 < len(req.GetAddTarget().GetResumeToken()) {
		glog.V(1).Infof("[cs]%s %s listen with resume token\n", id, self.collection)
	}
	if err := conn.Send(req); err != nil {
		conn.Close()
		return nil, err
	}
	return newCollectionStream(ctx, id, conn, req, settings), nil
}

// The server removed the listen target, e.g. because the credentials were revoked.
type TargetRemovedError struct {
	TargetId int32
	Code     codes.Code
	Message  string
}

func (self *TargetRemovedError) Error() string {
	return fmt.Sprintf("Target %d removed (%s): %s", self.TargetId, self.Code, self.Message)
}

func (self *TargetRemovedError) Unauthorized() bool {
	switch self.Code {
	case codes.Unauthenticated, codes.PermissionDenied:
		return true
	default:
		return false
	}
}

// a removal without a cause only follows a client request
func targetRemovedError(res *protocol.ListenResponse, targetId int32) error {
	change := res.GetTargetChange()
	if change.GetTargetChangeType() != protocol.TargetChangeRemove || change.GetCause() == nil {
		return nil
	}
	// no target ids means every target
	if 0 < len(change.GetTargetIds()) && !slices.Contains(change.GetTargetIds(), targetId) {
		return nil
	}
	return &TargetRemovedError{
		TargetId: targetId,
		Code:     codes.Code(change.GetCause().GetCode()),
		Message:  change.GetCause().GetMessage(),
	}
}

// CollectionStream is one physical listen connection. A producer goroutine
// reads responses, batches them per checkpoint, and pushes updates to a bounded
// channel, blocking when the consumer is slow.
type CollectionStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	id          Id
	conn        ListenConn
	req         *protocol.ListenRequest
	accumulator *ChangeAccumulator
	settings    *CollectionStreamSettings
	log         LogFunction

	updates  chan *CollectionUpdate
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

func newCollectionStream(
	ctx context.Context,
	id Id,
	conn ListenConn,
	req *protocol.ListenRequest,
	settings *CollectionStreamSettings,
) *CollectionStream {
	cancelCtx, cancel := context.WithCancel(ctx)
	log := LogFn(LogLevelItem, fmt.Sprintf("[cs]%s", id))
	stream := &CollectionStream{
		ctx:         cancelCtx,
		cancel:      cancel,
		id:          id,
		conn:        conn,
		req:         req,
		accumulator: NewChangeAccumulator(log),
		settings:    settings,
		log:         log,
		updates:     make(chan *CollectionUpdate, settings.UpdateBufferSize),
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	go stream.run()
	return stream
}

func (self *CollectionStream) Id() Id {
	return self.id
}

// closed when the stream ends. Check `Err` after.
func (self *CollectionStream) Updates() <-chan *CollectionUpdate {
	return self.updates
}

// nil if the stream ended cleanly or was stopped
func (self *CollectionStream) Err() error {
	select {
	case <-self.done:
		return self.err
	default:
		return nil
	}
}

func (self *CollectionStream) Done() <-chan struct{} {
	return self.done
}

func (self *CollectionStream) run() {
	defer func() {
		self.cancel()
		self.conn.Close()
		close(self.updates)
		close(self.done)
	}()

	go func() {
		// unblock `Receive` on cancel
		select {
		case <-self.ctx.Done():
			self.conn.Close()
		case <-self.done:
		}
	}()

	HandleError(func() {
		for {
			res, err := self.conn.Receive()
			if err != nil {
				self.accumulator.Discard()
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

			update := self.accumulator.Handle(res)
			if err := targetRemovedError(res, self.req.GetAddTarget().GetTargetId()); err != nil {
				self.accumulator.Discard()
				glog.Infof("[cs]%s %s\n", self.id, err)
				self.err = err
				return
			}
			if update == nil {
				continue
			}
			self.log("flush %s", update)

			select {
			case self.updates <- update:
			case <-self.stopping:
				// the consumer stopped reading, the update is dropped with the stream
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

// Stop asks the server to end the stream and waits for the producer to finish.
// Changes received after the last checkpoint are discarded.
func (self *CollectionStream) Stop(ctx context.Context) error {
	self.stopOnce.Do(func() {
		close(self.stopping)
		select {
		case <-self.done:
			return
		default:
		}
		err := self.conn.Send(protocol.NewRemoveTargetRequest(
			self.req.GetDatabase(),
			self.req.GetAddTarget().GetTargetId(),
		))
		if err == nil {
			err = self.conn.CloseSend()
		}
		if err != nil {
			self.log("stop send error = %s", err)
			self.conn.Close()
		}
	})

	timer := time.NewTimer(self.settings.StopTimeout)
	defer timer.Stop()
	select {
	case <-self.done:
		return nil
	case <-timer.C:
		self.conn.Close()
		<-self.done
		return ErrStopTimeout
	case <-ctx.Done():
		self.cancel()
		<-self.done
		return ctx.Err()
	}
}
