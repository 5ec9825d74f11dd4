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
	"github.com/gorilla/websocket"

	"github.com/bringyour/mirror/protocol"
)

var ErrUnauthorized = errors.New("Unauthorized.")

type WsListenSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// zero disables the read deadline. Silent streams are caught by the stale check.
	ReadTimeout time.Duration
	PingTimeout time.Duration
}

func DefaultWsListenSettings() *WsListenSettings {
	return &WsListenSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      0,
		PingTimeout:      30 * time.Second,
	}
}

// Dials listen streams over a websocket, one protobuf message per binary frame.
type WsListenDialer struct {
	listenUrl string
	settings  *WsListenSettings
}

func NewWsListenDialerWithDefaults(listenUrl string) *WsListenDialer {
	return NewWsListenDialer(listenUrl, DefaultWsListenSettings())
}

func NewWsListenDialer(listenUrl string, settings *WsListenSettings) *WsListenDialer {
	return &WsListenDialer{
		listenUrl: listenUrl,
		settings:  settings,
	}
}

func (self *WsListenDialer) Dial(ctx context.Context, token string) (ListenConn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	connect := func() (*websocket.Conn, error) {
		ws, res, err := dialer.DialContext(ctx, self.listenUrl, header)
		if err != nil {
			if res != nil {
				switch res.StatusCode {
				case http.StatusUnauthorized, http.StatusForbidden:
					return nil, fmt.Errorf("%w (%d): %s", ErrUnauthorized, res.StatusCode, err)
				}
			}
			return nil, err
		}
		return ws, nil
	}

	var ws *websocket.Conn
	var err error
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[ws]connect %s", self.listenUrl), connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		return nil, err
	}
	return newWsListenConn(ws, self.settings), nil
}

type wsListenConn struct {
	ws       *websocket.Conn
	settings *WsListenSettings

	closeOnce sync.Once
	closed    chan struct{}
}

func newWsListenConn(ws *websocket.Conn, settings *WsListenSettings) *wsListenConn {
	conn := &wsListenConn{
		ws:       ws,
		settings: settings,
		closed:   make(chan struct{}),
	}
	if 0 < settings.PingTimeout {
		go conn.ping()
	}
	return conn
}

// control frames may be written concurrently with data frames
func (self *wsListenConn) ping() {
	for {
		select {
		case <-self.closed:
			return
		case <-time.After(self.settings.PingTimeout):
			deadline := time.Now().Add(self.settings.WriteTimeout)
			if err := self.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.V(2).Infof("[ws]ping error = %s\n", err)
				return
			}
		}
	}
}

func (self *wsListenConn) Send(req *protocol.ListenRequest) error {
	b, err := protocol.EncodeListenRequest(req)
	if err != nil {
		return err
	}
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, b)
}

// malformed frames are logged and skipped
func (self *wsListenConn) Receive() (*protocol.ListenResponse, error) {
	for {
		if 0 < self.settings.ReadTimeout {
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			res, err := protocol.DecodeListenResponse(message)
			if err != nil {
				glog.Infof("[ws]drop malformed message = %s\n", err)
				continue
			}
			return res, nil
		default:
			glog.V(2).Infof("[ws]other=%d\n", messageType)
		}
	}
}

func (self *wsListenConn) CloseSend() error {
	deadline := time.Now().Add(self.settings.WriteTimeout)
	return self.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stop"),
		deadline,
	)
}

func (self *wsListenConn) Close() error {
	var err error
	self.closeOnce.Do(func() {
		close(self.closed)
		err = self.ws.Close()
	})
	return err
}
