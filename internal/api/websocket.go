package api

// WebSocket 运行日志网关
//
// 前端通过该接口实时查看运行进度：连接后先补发 messages 表中的历史消息，
// 之后通过消息总线推送新消息。

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oapi-codegen/runtime"

	"permitflow/internal/shared/eventbus"
	"permitflow/internal/shared/storage"
)

const (
	backlogLimit = 500
	pollInterval = time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
)

// upgrader WebSocket 升级器配置（允许所有来源，部署时由网关限制）
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamFrame 推送帧
type streamFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// MessageGateway 运行日志推送网关
type MessageGateway struct {
	store   storage.MessageStore
	bus     eventbus.MessageBus
	metrics *Metrics
}

// NewMessageGateway 创建网关；bus 为 nil 时轮询 messages 表
func NewMessageGateway(store storage.MessageStore, bus eventbus.MessageBus, metrics *Metrics) *MessageGateway {
	return &MessageGateway{store: store, bus: bus, metrics: metrics}
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/projects/{id}/messages
//
// 查询参数：
//   - after_id: 只补发 ID 大于该值的历史消息，用于断线重连
//
// 推送消息格式：
//
//	{"type": "message", "data": {...}}
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
func (g *MessageGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var projectID string
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &projectID, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil || projectID == "" {
		badRequest(w, r, "invalid project id")
		return
	}

	var afterID int64
	if err := runtime.BindQueryParameter("form", true, false, "after_id", r.URL.Query(), &afterID); err != nil {
		badRequest(w, r, "invalid after_id: "+err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws.upgrade_failed] project_id=%s error=%v", projectID, err)
		return
	}
	defer conn.Close()

	g.metrics.WSConnectionsActive.Inc()
	defer g.metrics.WSConnectionsActive.Dec()
	log.Printf("[ws.connected] project_id=%s after_id=%d", projectID, afterID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan streamFrame, 16)
	go g.readPump(conn, cancel, out)

	if g.bus != nil {
		g.writePumpBus(ctx, conn, projectID, afterID, out)
		return
	}
	g.writePumpPoll(ctx, conn, projectID, afterID, out)
}

// readPump 读取客户端消息，连接断开时取消上下文
func (g *MessageGateway) readPump(conn *websocket.Conn, cancel context.CancelFunc, out chan<- streamFrame) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws.read_failed] error=%v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var req struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &req) == nil && req.Type == "ping" {
			select {
			case out <- streamFrame{Type: "pong"}:
			default:
			}
		}
	}
}

// writePumpBus 先订阅总线再补发历史，避免两者之间的消息丢失
//
// 订阅与补发存在重叠时客户端可能收到重复消息。
func (g *MessageGateway) writePumpBus(ctx context.Context, conn *websocket.Conn, projectID string, afterID int64, out <-chan streamFrame) {
	events, err := g.bus.SubscribeMessages(ctx, projectID)
	if err != nil {
		log.Printf("[ws.subscribe_failed] project_id=%s error=%v", projectID, err)
		g.writePumpPoll(ctx, conn, projectID, afterID, out)
		return
	}

	if _, ok := g.sendBacklog(ctx, conn, projectID, afterID); !ok {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			if !g.write(conn, f) {
				return
			}
		case <-ping.C:
			if !g.ping(conn) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !g.write(conn, streamFrame{Type: "message", Data: ev}) {
				return
			}
		}
	}
}

// writePumpPoll 无消息总线时轮询 messages 表
func (g *MessageGateway) writePumpPoll(ctx context.Context, conn *websocket.Conn, projectID string, afterID int64, out <-chan streamFrame) {
	lastID, ok := g.sendBacklog(ctx, conn, projectID, afterID)
	if !ok {
		return
	}

	ticker := time.NewTicker(pollInterval)
	ping := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			if !g.write(conn, f) {
				return
			}
		case <-ping.C:
			if !g.ping(conn) {
				return
			}
		case <-ticker.C:
			if lastID, ok = g.sendBacklog(ctx, conn, projectID, lastID); !ok {
				return
			}
		}
	}
}

// sendBacklog 推送 afterID 之后的历史消息，返回最后一条的 ID
func (g *MessageGateway) sendBacklog(ctx context.Context, conn *websocket.Conn, projectID string, afterID int64) (int64, bool) {
	if g.store == nil {
		return afterID, true
	}
	msgs, err := g.store.ListMessages(ctx, projectID, afterID, backlogLimit)
	if err != nil {
		log.Printf("[ws.backlog_failed] project_id=%s error=%v", projectID, err)
		return afterID, true
	}
	for _, m := range msgs {
		if !g.write(conn, streamFrame{Type: "message", Data: m}) {
			return afterID, false
		}
		if m.ID > afterID {
			afterID = m.ID
		}
	}
	return afterID, true
}

func (g *MessageGateway) write(conn *websocket.Conn, f streamFrame) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(f); err != nil {
		log.Printf("[ws.write_failed] error=%v", err)
		return false
	}
	if f.Type == "message" {
		g.metrics.WSMessagesTotal.Inc()
	}
	return true
}

func (g *MessageGateway) ping(conn *websocket.Conn) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.PingMessage, nil) == nil
}
