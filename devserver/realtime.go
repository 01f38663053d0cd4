package devserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mapmeet/client/protocol"
)

var errBadAuth = errors.New("expected an auth frame")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// realtimeWatcher is one realtime connection.
// Frames are queued in commit order. A connection that cannot keep up is closed,
// and the client resubscribes on reconnect.
type realtimeWatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	send   chan *protocol.Frame
}

func (self *realtimeWatcher) enqueue(frame *protocol.Frame) {
	select {
	case <-self.ctx.Done():
	case self.send <- frame:
	default:
		glog.Infof("[realtime]send buffer full, close\n")
		self.cancel()
	}
}

func (self *realtimeWatcher) notify(subscriptionPath string, change *protocol.Change) {
	self.enqueue(&protocol.Frame{
		Type:    protocol.FrameDiff,
		Path:    subscriptionPath,
		Changes: []*protocol.Change{change},
	})
}

func (self *Server) realtime(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Infof("[realtime]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	userId, err := self.realtimeAuth(ws)
	if err != nil {
		glog.Infof("[realtime]auth error = %s\n", err)
		message, _ := protocol.EncodeFrame(&protocol.Frame{
			Type:    protocol.FrameError,
			Message: err.Error(),
		})
		ws.SetWriteDeadline(time.Now().Add(self.settings.RealtimeWriteTimeout))
		ws.WriteMessage(websocket.TextMessage, message)
		return
	}
	glog.V(1).Infof("[realtime]connected %s\n", userId)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	watcher := &realtimeWatcher{
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan *protocol.Frame, self.settings.RealtimeSendBuffer),
	}
	defer self.documents.unwatchAll(watcher)

	watcher.enqueue(&protocol.Frame{Type: protocol.FrameAuthOk})

	go func() {
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-watcher.send:
				message, err := protocol.EncodeFrame(frame)
				if err != nil {
					glog.Infof("[realtime]encode error = %s\n", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.RealtimeWriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.V(1).Infof("[realtime]-> error = %s\n", err)
					return
				}
			}
		}
	}()

	go func() {
		defer cancel()

		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.V(1).Infof("[realtime]<- error = %s\n", err)
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			frame, err := protocol.DecodeFrame(message)
			if err != nil {
				glog.Infof("[realtime]<- decode error = %s\n", err)
				continue
			}
			switch frame.Type {
			case protocol.FrameSubscribe:
				if frame.Path == "" {
					watcher.enqueue(&protocol.Frame{Type: protocol.FrameError, Message: "empty path"})
					continue
				}
				self.documents.watch(frame.Path, watcher)
			case protocol.FrameUnsubscribe:
				self.documents.unwatch(frame.Path, watcher)
			default:
				glog.V(1).Infof("[realtime]<- other=%s\n", frame.Type)
			}
		}
	}()

	<-ctx.Done()
}

func (self *realtimeWatcher) snapshot(subscriptionPath string, docs []*protocol.Document) {
	changes := make([]*protocol.Change, 0, len(docs))
	for _, doc := range docs {
		changes = append(changes, &protocol.Change{
			Kind:     protocol.DiffAdded,
			Document: doc,
		})
	}
	self.enqueue(&protocol.Frame{
		Type:     protocol.FrameDiff,
		Path:     subscriptionPath,
		Snapshot: true,
		Changes:  changes,
	})
}

func (self *Server) realtimeAuth(ws *websocket.Conn) (string, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.RealtimeAuthTimeout))
	defer ws.SetReadDeadline(time.Time{})

	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	if messageType != websocket.TextMessage {
		return "", errBadAuth
	}
	frame, err := protocol.DecodeFrame(message)
	if err != nil {
		return "", err
	}
	if frame.Type != protocol.FrameAuth {
		return "", errBadAuth
	}
	return self.parseToken(frame.Token)
}
