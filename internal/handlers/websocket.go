package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/config"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/idgen"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/protocol"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/service"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ErrRateLimited は受信イベント数が上限を超えた場合のエラー
var ErrRateLimited = errors.New("rate limit exceeded")

// Hub は接続IDからWebSocketクライアントへの対応を保持し、service.Sender を実装します
// スレッドセーフな実装により、複数のgoroutineから同時にアクセス可能です
type Hub struct {
	clients map[string]*Client // 接続IDをキーとしたクライアントのマップ
	mu      sync.RWMutex       // 読み書きのロック
	log     *slog.Logger
}

// NewHub は新しいHubを作成します
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*Client), log: logger}
}

// Send は接続の送信キューにメッセージを積みます
// 接続が存在しない・キューが満杯の場合は破棄してfalseを返します（送信元はブロックされません）
func (h *Hub) Send(connID string, msg protocol.Envelope) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		h.log.Debug("drop message to unknown connection", "connId", connID, "type", msg.Type)
		return false
	}
	if !c.enqueue(msg) {
		h.log.Warn("drop message, send queue full or closed", "connId", connID, "type", msg.Type)
		return false
	}
	return true
}

// Len は接続中のクライアント数を返します
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll は全クライアントの接続を閉じます
// 各接続の受信ループが終了し、通常の切断と同じ退出処理が走ります
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
}

// Client は1つのWebSocket接続を表します
// 受信は HandleWebSocket のgoroutine、送信は writePump のgoroutineが担当します
type Client struct {
	id        string                 // 接続ID
	conn      *websocket.Conn        // WebSocket接続
	send      chan protocol.Envelope // 送信キュー
	done      chan struct{}          // 接続終了の通知
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, queue int) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan protocol.Envelope, queue),
		done: make(chan struct{}),
	}
}

func (c *Client) enqueue(msg protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	relay    *service.Relay         // ビジネスロジックを担当するリレー
	hub      *Hub                   // WebSocket接続を管理するハブ
	upgrader websocket.Upgrader     // HTTPからWebSocketへのアップグレーダー
	cfg      config.WebSocketConfig // 接続ごとの設定
	log      *slog.Logger
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
// allowedOrigins が空の場合は全てのOriginを許可します
func NewWebSocketHandler(relay *service.Relay, hub *Hub, cfg config.WebSocketConfig, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		relay: relay,
		hub:   hub,
		cfg:   cfg,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		if _, ok := set["*"]; ok {
			return true
		}
		origin := strings.TrimRight(strings.ToLower(strings.TrimSpace(r.Header.Get("Origin"))), "/")
		if origin == "" {
			// ブラウザ以外のクライアント
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. HTTPからWebSocketへのアップグレード
// 2. 接続IDの払い出しとクライアントの登録
// 3. 送信goroutineの起動と受信ループの開始
// 4. 切断時の自動退出処理とクリーンアップ
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", "err", err)
		return
	}

	client := newClient(idgen.NewConnectionID(), conn, h.cfg.SendQueue)
	h.hub.register(client)
	h.relay.Connect(client.id)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writePump(client)
	}()

	defer func() {
		// 切断時にルームから退出させ、他のユーザーに通知する
		h.relay.Leave(client.id)
		h.hub.unregister(client)
		client.close()
		wg.Wait()
		h.log.Info("websocket disconnected", "connId", client.id)
	}()

	h.log.Info("websocket connected", "connId", client.id, "remote", r.RemoteAddr)
	h.readLoop(client)
}

// readLoop は受信ループです。接続が閉じるか明示的に退出するまで戻りません
// 同一接続のイベントはこのgoroutineで順番に処理されます
func (h *WebSocketHandler) readLoop(c *Client) {
	conn := c.conn
	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	limiter := rate.NewLimiter(rate.Limit(h.cfg.EventsPerSecond), h.cfg.EventBurst)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug("websocket read error", "connId", c.id, "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		if !limiter.Allow() {
			c.enqueue(protocol.ErrorEnvelope(ErrRateLimited.Error()))
			continue
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			h.log.Debug("malformed event", "connId", c.id, "err", err)
			c.enqueue(protocol.ErrorEnvelope(err.Error()))
			continue
		}

		if err := h.dispatch(c, ev); err != nil {
			h.log.Debug("event rejected", "connId", c.id, "err", err)
			c.enqueue(protocol.ErrorEnvelope(err.Error()))
		}

		if _, ok := ev.(protocol.LeaveRoom); ok {
			// 明示的な退出で接続は終了状態になる
			return
		}
	}
}

// dispatch はイベントをリレーに渡します
// 1つのイベントの処理中のpanicが他の接続やルームに影響しないよう、ここで回復します
func (h *WebSocketHandler) dispatch(c *Client, ev protocol.Inbound) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("panic while handling event", "connId", c.id, "event", fmt.Sprintf("%T", ev), "recover", rec)
			err = errors.New("internal error")
		}
	}()
	return h.relay.Dispatch(c.id, ev)
}

// writePump は送信キューのメッセージを書き込み、定期的にpingを送ります
// 書き込みに失敗した場合は接続を閉じ、受信ループ側の退出処理に任せます
func (h *WebSocketHandler) writePump(c *Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.log.Debug("websocket write error", "connId", c.id, "err", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				h.log.Debug("websocket ping error", "connId", c.id, "err", err)
				return
			}
		case <-c.done:
			h.flush(c)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		}
	}
}

// flush は終了前にキューに残っているメッセージを書き出します
func (h *WebSocketHandler) flush(c *Client) {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
