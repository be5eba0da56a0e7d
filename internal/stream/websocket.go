package stream

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/longtext-translator/internal/jobs"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	writeWait           = 10 * time.Second
)

type progressMessage struct {
	Type string      `json:"type"`
	Task *TaskStatus `json:"task"`
}

// ProgressHandler は GET /api/translate/stream/ws?taskId= のハンドラーを返します。
// ジョブの状態を定期的に読み、変化があればクライアントへ送ります。終了状態を送ったら接続を閉じます。
func ProgressHandler(svc *Service, upgrader websocket.Upgrader, pollInterval time.Duration, logger *log.Logger) gin.HandlerFunc {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		id := c.Query("taskId")
		task, err := svc.GetJobStatus(c.Request.Context(), id)
		if err != nil {
			respondWithError(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Printf("job_id=%s: websocket upgrade failed: %v", id, err)
			return
		}
		defer conn.Close()

		// クライアントからの切断を検知します。
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		var last *TaskStatus
		for {
			if last == nil || changed(last, task) {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(progressMessage{Type: "progress", Task: task}); err != nil {
					logger.Printf("job_id=%s: websocket write failed: %v", id, err)
					return
				}
				last = task
			}
			if jobs.Status(task.Status).Terminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, task.Status),
					time.Now().Add(writeWait))
				return
			}

			select {
			case <-closed:
				return
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
			}

			next, err := svc.GetJobStatus(c.Request.Context(), id)
			if err != nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "task unavailable"),
					time.Now().Add(writeWait))
				return
			}
			task = next
		}
	}
}

func changed(prev, next *TaskStatus) bool {
	return prev.Status != next.Status ||
		prev.Progress != next.Progress ||
		prev.CurrentChunk != next.CurrentChunk ||
		!prev.UpdatedAt.Equal(next.UpdatedAt)
}

// NewUpgrader は許可されたオリジンだけを受け付ける Upgrader を返します。
// allowed が空の場合は同一オリジンのみ許可します。
func NewUpgrader(allowed []string) websocket.Upgrader {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := set[origin]; ok {
				return true
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}
}
