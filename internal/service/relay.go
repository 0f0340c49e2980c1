// Package service はシグナリングリレーのビジネスロジックを担当します
// 入室・退出・シグナリング中継・チャット・ユーザーアクションの処理を提供します
package service

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/idgen"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/protocol"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/registry"
)

// Sender は接続へメッセージを送り出すトランスポート側の境界です
// 送信は投げっぱなしで、遅い・切断済みの相手が呼び出し側をブロックしてはいけません
// 戻り値は送信キューに積めたかどうかで、リレーは失敗を再送しません
type Sender interface {
	Send(connID string, msg protocol.Envelope) bool
}

// PresenceSink はルームの参加者が変化した際に通知を受け取ります
// 通知はレジストリのロック外で行われ、同じルームへの他の接続の操作と順番が入れ替わることがあります
// そのため参加者一覧は渡さず、受け取り側がレジストリから読み直します
type PresenceSink interface {
	RoomChanged(roomID string)
}

type noopPresence struct{}

func (noopPresence) RoomChanged(string) {}

// Relay は接続のライフサイクル（Anonymous → InRoom → Closed）を管理し、
// 受信イベントに応じてレジストリを更新して送信先を決定します
//
// 同一接続のイベントはトランスポート側で逐次処理される前提です
// 異なる接続・異なるルームのイベントは並行に処理されます
type Relay struct {
	conns    *registry.ConnectionRegistry // 接続レジストリ
	rooms    *registry.RoomRegistry       // ルームレジストリ
	sender   Sender                       // 送信先のトランスポート
	presence PresenceSink                 // 参加者変化の通知先
	log      *slog.Logger
	now      func() time.Time
	newMsgID func() string
}

// Option はRelayの設定を変更します
type Option func(*Relay)

// WithPresence は参加者変化の通知先を設定します
func WithPresence(p PresenceSink) Option {
	return func(r *Relay) {
		if p != nil {
			r.presence = p
		}
	}
}

// WithLogger はロガーを設定します
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock は時刻の取得元を差し替えます（テスト用）
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// WithMessageIDGenerator はチャットメッセージIDの生成器を差し替えます（テスト用）
func WithMessageIDGenerator(f func() string) Option {
	return func(r *Relay) { r.newMsgID = f }
}

// NewRelay は新しいRelayを作成します
func NewRelay(conns *registry.ConnectionRegistry, rooms *registry.RoomRegistry, sender Sender, opts ...Option) *Relay {
	r := &Relay{
		conns:    conns,
		rooms:    rooms,
		sender:   sender,
		presence: noopPresence{},
		log:      slog.Default(),
		now:      time.Now,
		newMsgID: idgen.NewULID,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Connect は新しい接続をルーム未所属の状態で登録します
func (r *Relay) Connect(connID string) {
	r.conns.Register(connID)
	r.log.Debug("connection registered", "connId", connID)
}

// Dispatch は受信イベントを対応する操作に振り分けます
// 返されたエラーは送信元の接続にだけ error イベントとして返されます
func (r *Relay) Dispatch(connID string, ev protocol.Inbound) error {
	switch e := ev.(type) {
	case protocol.JoinRoom:
		return r.Join(connID, e.RoomID, e.Name, e.Avatar)
	case protocol.Signal:
		r.RelaySignal(connID, e)
		return nil
	case protocol.ChatMessage:
		return r.RelayChat(connID, e.Room, e.Message, e.Type)
	case protocol.UserAction:
		return r.RelayUserAction(connID, e.Room, e.Action, e.Value)
	case protocol.LeaveRoom:
		r.Leave(connID)
		return nil
	case protocol.Ping:
		r.sender.Send(connID, protocol.Envelope{Type: protocol.TypePong})
		return nil
	default:
		return fmt.Errorf("%w: unsupported event %T", protocol.ErrMalformedEvent, ev)
	}
}

// Join は接続をルームに参加させます
// 処理の流れ:
// 1. 既に別のルームにいる場合は、そのルームから退出させ退出通知を送る
// 2. プロフィールを確定し、接続レジストリとルームレジストリに登録
// 3. 本人に room-joined を送信
// 4. 他の参加者に user-joined を送信
func (r *Relay) Join(connID, roomID, name, avatar string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return fmt.Errorf("%w: roomId required", protocol.ErrMalformedEvent)
	}
	c, ok := r.conns.Get(connID)
	if !ok {
		return registry.ErrUnknownConnection
	}
	if c.InRoom {
		r.leaveRoom(c)
		r.conns.ClearRoom(connID)
	}

	profile := models.Profile{Name: name, Avatar: avatar, JoinedAt: r.now().UTC()}
	if err := r.conns.SetRoom(connID, roomID, profile); err != nil {
		return err
	}
	participants := r.rooms.Join(roomID, connID, models.NewMember(connID, profile))

	r.sender.Send(connID, protocol.Envelope{
		Type: protocol.TypeRoomJoined,
		Payload: protocol.RoomJoinedPayload{
			RoomID:       roomID,
			Participants: participants,
			YourID:       connID,
		},
	})

	joined := protocol.Envelope{
		Type: protocol.TypeUserJoined,
		Payload: protocol.UserJoinedPayload{
			UserID:       connID,
			UserData:     profile,
			Participants: participants,
		},
	}
	for _, m := range participants {
		if m.ID == connID {
			continue
		}
		r.sender.Send(m.ID, joined)
	}

	r.presence.RoomChanged(roomID)
	r.log.Info("user joined room", "connId", connID, "roomId", roomID, "participants", len(participants))
	return nil
}

// Leave は接続をルームから退出させ、接続レジストリから削除します
// 明示的な退出と切断の両方から呼ばれ、同じ接続に対して何度呼ばれても安全です
func (r *Relay) Leave(connID string) {
	c, ok := r.conns.Get(connID)
	if ok && c.InRoom {
		r.leaveRoom(c)
	}
	r.conns.Remove(connID)
}

// leaveRoom はルームから抜け、ルームが残っていれば残りの参加者に user-left を送信します
func (r *Relay) leaveRoom(c registry.Connection) {
	rest, exists := r.rooms.Leave(c.RoomID, c.ID)
	r.presence.RoomChanged(c.RoomID)
	if !exists {
		r.log.Info("user left room, room removed", "connId", c.ID, "roomId", c.RoomID)
		return
	}
	left := protocol.Envelope{
		Type: protocol.TypeUserLeft,
		Payload: protocol.UserLeftPayload{
			UserID:       c.ID,
			Participants: rest,
		},
	}
	for _, m := range rest {
		r.sender.Send(m.ID, left)
	}
	r.log.Info("user left room", "connId", c.ID, "roomId", c.RoomID, "participants", len(rest))
}

// RelaySignal は offer / answer / ice-candidate を宛先に転送します
// 宛先の解決順:
// 1. 生存している接続IDであれば、その接続にだけ送る（送信者と同じルームにいる場合のみ）
// 2. 送信者が参加しているルームのIDであれば、送信者以外の参加者全員に送る
// 3. それ以外は何もせず破棄する（送信者にはエラーを返さない）
func (r *Relay) RelaySignal(senderID string, sig protocol.Signal) {
	sender, ok := r.conns.Get(senderID)
	if !ok || !sender.InRoom || sig.Target == senderID {
		r.log.Debug("signal dropped", "kind", sig.Kind.Type(), "sender", senderID, "target", sig.Target)
		return
	}

	var userData *models.Profile
	if sig.Kind == protocol.SignalOffer {
		p := sender.Profile
		userData = &p
	}
	env := protocol.SignalEnvelope(sig.Kind, sig.Payload, senderID, userData)

	if target, ok := r.conns.Get(sig.Target); ok {
		if !target.InRoom || target.RoomID != sender.RoomID {
			r.log.Debug("signal dropped: target in another room", "kind", sig.Kind.Type(), "sender", senderID, "target", sig.Target)
			return
		}
		r.sender.Send(target.ID, env)
		return
	}

	if sig.Target == sender.RoomID {
		n := r.broadcast(sender.RoomID, senderID, env)
		r.log.Debug("signal broadcast to room", "kind", sig.Kind.Type(), "sender", senderID, "roomId", sender.RoomID, "recipients", n)
		return
	}

	r.log.Debug("signal dropped: unknown target", "kind", sig.Kind.Type(), "sender", senderID, "target", sig.Target)
}

// RelayChat はチャットメッセージにサーバー時刻と送信者のプロフィールを付与し、
// 送信者以外のルーム参加者に送信します。送信者へのエコーはクライアント側で行います
func (r *Relay) RelayChat(senderID, roomID, message, msgType string) error {
	sender, err := r.memberOf(senderID, roomID)
	if err != nil {
		return err
	}
	if msgType == "" {
		msgType = protocol.DefaultChatType
	}
	env := protocol.Envelope{
		Type: protocol.TypeChatMessage,
		Payload: protocol.ChatMessagePayload{
			ID:        r.newMsgID(),
			Message:   message,
			Sender:    senderID,
			UserData:  sender.Profile,
			Timestamp: protocol.Timestamp(r.now()),
			Type:      msgType,
		},
	}
	r.broadcast(sender.RoomID, senderID, env)
	return nil
}

// RelayUserAction はアクション名と値をそのまま、送信者以外のルーム参加者に送信します
// アクション名の語彙は検証しません
func (r *Relay) RelayUserAction(senderID, roomID, action string, value protocol.Raw) error {
	sender, err := r.memberOf(senderID, roomID)
	if err != nil {
		return err
	}
	env := protocol.Envelope{
		Type: protocol.TypeUserAction,
		Payload: protocol.UserActionPayload{
			UserID:    senderID,
			Action:    action,
			Value:     value,
			Timestamp: protocol.Timestamp(r.now()),
		},
	}
	r.broadcast(sender.RoomID, senderID, env)
	return nil
}

// memberOf は送信者が指定ルームの参加者であることを確認します
// roomIDが空の場合は送信者の現在のルームとみなします
func (r *Relay) memberOf(connID, roomID string) (registry.Connection, error) {
	c, ok := r.conns.Get(connID)
	if !ok || !c.InRoom {
		return registry.Connection{}, ErrNotInRoom
	}
	if roomID != "" && roomID != c.RoomID {
		return registry.Connection{}, ErrNotInRoom
	}
	return c, nil
}

// broadcast はルーム内の参加者全員にメッセージを送信します（excludeを除く）
func (r *Relay) broadcast(roomID, exclude string, env protocol.Envelope) int {
	n := 0
	for _, m := range r.rooms.Members(roomID) {
		if m.ID == exclude {
			continue
		}
		r.sender.Send(m.ID, env)
		n++
	}
	return n
}

// Room は指定ルームの参加者一覧を返します
func (r *Relay) Room(roomID string) ([]models.Member, bool) {
	members := r.rooms.Members(roomID)
	return members, len(members) > 0
}

// Stats は運用向けにルーム数と接続数を返します
func (r *Relay) Stats() models.Stats {
	return models.Stats{Rooms: r.rooms.Len(), Connections: r.conns.Len()}
}
