package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"musicsync/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const statusPushInterval = 2 * time.Second

// PlayerStatusWSHandler 通过WebSocket周期推送预加载状态快照
// 客户端断开或会话销毁后连接自动结束
func (h *APIHandler) PlayerStatusWSHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket升级失败", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	subscriberID := uuid.New().String()
	logger.Debug("状态订阅已建立",
		logger.Int64("userId", userID),
		logger.String("subscriberId", subscriberID))

	// 丢弃入站消息，只用读循环感知断开
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	for range ticker.C {
		engine, active := h.sessions.Get(userID)
		if !active {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
			return
		}

		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(engine.GetStatus()); err != nil {
			logger.Debug("状态推送结束",
				logger.String("subscriberId", subscriberID),
				logger.ErrorField(err))
			return
		}
	}
}
