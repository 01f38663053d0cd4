package mapmeet

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/mapmeet/client/protocol"
)

const ListenerSendBufferSize = 64

type ListenerSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultListenerSettings() *ListenerSettings {
	return &ListenerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type Diff = protocol.Change

// called on the dispatcher, in the order the server committed the changes
type DiffHandler func(diff *Diff)

type Subscription interface {
	Path() string
	Close()
}

// Listener keeps one realtime websocket to the backend and multiplexes the
// collection subscriptions of a session over it.
// If the connection drops, it reconnects after `ReconnectTimeout` and subscribes
// again. The snapshot the server sends on subscribe is reconciled against the
// documents the subscriber already saw, so a reconnect only ever shows up
// as ordinary diffs.
type Listener struct {
	ctx    context.Context
	cancel context.CancelFunc

	realtimeUrl string
	tokenSource TokenSource
	dispatcher  *Dispatcher
	settings    *ListenerSettings

	stateLock     sync.Mutex
	subscriptions map[string]*listenerSubscription
	conn          *listenerConn
}

func NewListenerWithDefaults(
	ctx context.Context,
	realtimeUrl string,
	tokenSource TokenSource,
	dispatcher *Dispatcher,
) *Listener {
	return NewListener(ctx, realtimeUrl, tokenSource, dispatcher, DefaultListenerSettings())
}

func NewListener(
	ctx context.Context,
	realtimeUrl string,
	tokenSource TokenSource,
	dispatcher *Dispatcher,
	settings *ListenerSettings,
) *Listener {
	cancelCtx, cancel := context.WithCancel(ctx)
	listener := &Listener{
		ctx:           cancelCtx,
		cancel:        cancel,
		realtimeUrl:   realtimeUrl,
		tokenSource:   tokenSource,
		dispatcher:    dispatcher,
		settings:      settings,
		subscriptions: map[string]*listenerSubscription{},
	}
	go listener.run()
	return listener
}

// Subscribe opens the subscription for `path`.
// If a subscription for `path` is already open, that subscription is returned
// and `handler` is not registered.
func (self *Listener) Subscribe(path string, handler DiffHandler) Subscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if subscription, ok := self.subscriptions[path]; ok {
		glog.V(LogLevelDebug).Infof("[listener]already subscribed %s\n", path)
		return subscription
	}

	subscription := &listenerSubscription{
		listener: self,
		path:     path,
		handler:  handler,
		known:    map[string]bool{},
	}
	select {
	case <-self.ctx.Done():
		// closed listener, the subscription never receives
		return subscription
	default:
	}
	self.subscriptions[path] = subscription
	if self.conn != nil {
		self.conn.enqueue(protocol.SubscribeFrame(path))
	}
	glog.V(LogLevelDebug).Infof("[listener]subscribe %s\n", path)
	return subscription
}

func (self *Listener) IsSubscribed(path string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.subscriptions[path]
	return ok
}

func (self *Listener) SubscriptionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subscriptions)
}

func (self *Listener) unsubscribe(subscription *listenerSubscription) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.subscriptions[subscription.path] != subscription {
		return
	}
	delete(self.subscriptions, subscription.path)
	if self.conn != nil {
		self.conn.enqueue(protocol.UnsubscribeFrame(subscription.path))
	}
	glog.V(LogLevelDebug).Infof("[listener]unsubscribe %s\n", subscription.path)
}

func (self *Listener) active(subscription *listenerSubscription) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.subscriptions[subscription.path] == subscription
}

// true when every open subscription has received its first snapshot.
// Must be called on the dispatcher.
func (self *Listener) Synced() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, subscription := range self.subscriptions {
		if !subscription.synced {
			return false
		}
	}
	return true
}

// releases all subscriptions and the connection
func (self *Listener) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.subscriptions = map[string]*listenerSubscription{}
}

func (self *Listener) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		reconnect := time.After(self.settings.ReconnectTimeout)

		ws, err := self.connect(dialer)
		if err != nil {
			glog.Infof("[listener]connect error = %s\n", err)
		} else {
			self.handle(ws)
			reconnect = time.After(self.settings.ReconnectTimeout)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect:
		}
	}
}

func (self *Listener) connect(dialer *websocket.Dialer) (*websocket.Conn, error) {
	if self.tokenSource == nil {
		return nil, errors.Wrap(ErrAuthUnavailable, "no token source")
	}
	token, err := self.tokenSource.Token(self.ctx)
	if err != nil {
		return nil, errors.Wrap(ErrAuthUnavailable, err.Error())
	}
	if token == "" {
		return nil, errors.Wrap(ErrAuthUnavailable, "empty token")
	}
	authBytes, err := protocol.EncodeFrame(protocol.AuthFrame(token))
	if err != nil {
		return nil, err
	}

	ws, _, err := dialer.DialContext(self.ctx, self.realtimeUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, errors.New("Auth response error.")
	}
	frame, err := protocol.DecodeFrame(message)
	if err != nil {
		return nil, err
	}
	if frame.Type != protocol.FrameAuthOk {
		return nil, errors.Errorf("Auth response error: %s", frame.Message)
	}

	success = true
	return ws, nil
}

func (self *Listener) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	conn := &listenerConn{
		ctx:    handleCtx,
		cancel: handleCancel,
		send:   make(chan *protocol.Frame, ListenerSendBufferSize),
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.conn = conn
		for path := range self.subscriptions {
			conn.enqueue(protocol.SubscribeFrame(path))
		}
	}()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.conn == conn {
			self.conn = nil
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-conn.send:
				message, err := protocol.EncodeFrame(frame)
				if err != nil {
					glog.Infof("[listener]encode error = %s\n", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[listener]-> error = %s\n", err)
					return
				}
				glog.V(LogLevelTrace).Infof("[listener]-> %s %s\n", frame.Type, frame.Path)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[listener]<- error = %s\n", err)
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}

			frame, err := protocol.DecodeFrame(message)
			if err != nil {
				glog.Infof("[listener]<- decode error = %s\n", err)
				continue
			}
			switch frame.Type {
			case protocol.FrameDiff:
				glog.V(LogLevelTrace).Infof("[listener]<- diff %s (%d)\n", frame.Path, len(frame.Changes))
				self.receive(frame)
			case protocol.FrameError:
				glog.Infof("[listener]<- error frame %s = %s\n", frame.Path, frame.Message)
			default:
				glog.V(LogLevelTrace).Infof("[listener]<- other=%s\n", frame.Type)
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *Listener) receive(frame *protocol.Frame) {
	self.stateLock.Lock()
	subscription, ok := self.subscriptions[frame.Path]
	self.stateLock.Unlock()
	if !ok {
		glog.V(LogLevelDebug).Infof("[listener]diff for closed subscription %s\n", frame.Path)
		return
	}

	// frames are posted in read order, which keeps per collection order
	self.dispatcher.Post(func() {
		if !self.active(subscription) {
			return
		}
		subscription.apply(frame)
	})
}

type listenerConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	send   chan *protocol.Frame
}

// never blocks. If the send buffer is full the connection is dropped,
// and the reconnect subscribes everything again.
func (self *listenerConn) enqueue(frame *protocol.Frame) {
	select {
	case self.send <- frame:
	default:
		glog.Infof("[listener]send buffer full, reconnect\n")
		self.cancel()
	}
}

type listenerSubscription struct {
	listener *Listener
	path     string
	handler  DiffHandler

	// ids seen by the handler. Only accessed on the dispatcher.
	known map[string]bool
	// a snapshot was delivered. Only accessed on the dispatcher.
	synced bool
}

func (self *listenerSubscription) Path() string {
	return self.path
}

func (self *listenerSubscription) Close() {
	self.listener.unsubscribe(self)
}

func (self *listenerSubscription) apply(frame *protocol.Frame) {
	if frame.Snapshot {
		self.synced = true
		present := map[string]bool{}
		for _, change := range frame.Changes {
			if change.Document != nil {
				present[change.Document.Id] = true
			}
		}
		for id := range self.known {
			if !present[id] {
				self.deliver(&Diff{
					Kind:     protocol.DiffRemoved,
					Document: &protocol.Document{Path: self.documentPath(id), Id: id},
				})
			}
		}
	}
	for _, change := range frame.Changes {
		if change.Document == nil || !change.Kind.Valid() {
			glog.Infof("[listener]malformed change on %s\n", self.path)
			continue
		}
		self.deliver(change)
	}
}

func (self *listenerSubscription) documentPath(id string) string {
	if protocol.IsDocumentPath(self.path) {
		return self.path
	}
	return protocol.JoinPath(self.path, id)
}

func (self *listenerSubscription) deliver(diff *Diff) {
	switch diff.Kind {
	case protocol.DiffRemoved:
		delete(self.known, diff.Document.Id)
	default:
		self.known[diff.Document.Id] = true
	}
	self.handler(diff)
}
