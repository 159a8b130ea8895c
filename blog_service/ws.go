package main

import (
	"context"
	"net/http"
	"time"

	"github.com/alimx07/Blogging_Backend/blog_service/fanout"
	"github.com/alimx07/Blogging_Backend/blog_service/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Action  string              `json:"action"`
	Comment *models.CommentView `json:"comment,omitempty"`
	ID      int64               `json:"id,omitempty"`
}

func toWSMessage(ev fanout.CommentEvent) wsMessage {
	if ev.Type == fanout.EventDelete {
		return wsMessage{Action: "delete", ID: ev.CommentID}
	}
	return wsMessage{Action: "update", Comment: ev.Comment}
}

// CommentsSocket streams comment changes of one post until either side hangs up
// or the server shuts down.
func (s *Server) CommentsSocket(c *gin.Context) {
	postID, err := idParam(c, "post_id")
	if err != nil {
		writeError(c, s.log, err)
		return
	}

	s.sockets.Add(1)
	defer s.sockets.Done()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	listener, err := s.bridge.SubscribeToComments(ctx, postID)
	if err != nil {
		s.log.Error("subscribe to comments", zap.Int64("post_id", postID), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(wsWriteWait))
		return
	}
	defer listener.Close()

	// reads only serve to notice the client going away
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-listener.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(toWSMessage(ev)); err != nil {
				s.log.Debug("websocket write failed", zap.Int64("post_id", postID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
