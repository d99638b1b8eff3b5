package handler

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/tasktracker/internal/middleware"
	"github.com/hitoshi/tasktracker/internal/model"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = livePongWait * 9 / 10
	liveReadLimit  = 512
)

// TaskFeedInterface はタスク一覧の変更通知元。projection.Projectionが満たす。
type TaskFeedInterface interface {
	List() []model.Task
	Subscribe(fn func([]model.Task)) (cancel func())
}

// SessionEventsInterface はセッション変更の通知元。session.Managerが満たす。
type SessionEventsInterface interface {
	Subscribe(fn func(*model.Session)) (cancel func())
}

// LiveHandler はタスク一覧のスナップショットをWebSocketで配信する。
// 1つの接続は接続時のセッションにのみ属し、サインアウトやユーザー切り替えで閉じる。
type LiveHandler struct {
	feed     TaskFeedInterface
	sessions SessionEventsInterface
	upgrader websocket.Upgrader
}

// liveMessage はWebSocketで送るメッセージ。
type liveMessage struct {
	Type  string         `json:"type"`
	Tasks []taskResponse `json:"tasks"`
}

// NewLiveHandler はLiveHandlerを生成する。
// allowedOriginが空でない場合、Originヘッダーが一致する接続のみ受け付ける。
// sessionsがnilの場合はセッション変更で接続を閉じない。
func NewLiveHandler(feed TaskFeedInterface, sessions SessionEventsInterface, allowedOrigin string) *LiveHandler {
	return &LiveHandler{
		feed:     feed,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "" || origin == allowedOrigin
			},
		},
	}
}

// Stream は接続時に現在の一覧を送り、以降は変更のたびに一覧全体を送る。
// GET /api/tasks/live
func (h *LiveHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("failed to upgrade live connection", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	var userID string
	if sess, err := middleware.SessionFromContext(r.Context()); err == nil {
		userID = sess.UserID
	}

	// 未送信のスナップショットは最新の1件だけ保持する
	updates := make(chan []model.Task, 1)
	ended := make(chan struct{})
	var (
		mu      sync.Mutex
		updated bool
		closed  bool
	)
	offer := func(tasks []model.Task) {
		select {
		case <-updates:
		default:
		}
		updates <- tasks
	}

	// セッション変更と一覧変更はどちらもループ上で順に届くため、
	// 切り替え後の一覧はclosedにより送られない
	if h.sessions != nil {
		cancelSession := h.sessions.Subscribe(func(sess *model.Session) {
			if sess != nil && sess.UserID == userID {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !closed {
				closed = true
				close(ended)
			}
		})
		defer cancelSession()
	}

	cancel := h.feed.Subscribe(func(tasks []model.Task) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		updated = true
		offer(tasks)
	})
	defer cancel()

	mu.Lock()
	if !updated && !closed {
		offer(h.feed.List())
	}
	mu.Unlock()

	done := make(chan struct{})
	go h.readLoop(conn, done)

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case tasks := <-updates:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			msg := liveMessage{Type: "snapshot", Tasks: toTaskListResponse(tasks).Tasks}
			if err := conn.WriteJSON(msg); err != nil {
				slog.Info("live connection write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ended:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
			return
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readLoop はクライアントからの切断とpongを検出する。受信データは破棄する。
func (h *LiveHandler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(liveReadLimit)
	conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Info("live connection closed", slog.String("error", err.Error()))
			}
			return
		}
	}
}
