// Package protocol はWebSocketで送受信するシグナリングメッセージを定義します
// すべてのメッセージは {"type": ..., "payload": {...}} の形式でやり取りされます
package protocol

import (
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/models"
)

// クライアント → サーバーのイベント種別
const (
	TypeJoinRoom     = "join-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeChatMessage  = "chat-message"
	TypeUserAction   = "user-action"
	TypeLeaveRoom    = "leave-room"
	TypePing         = "ping"
)

// サーバー → クライアントのイベント種別
// offer / answer / ice-candidate / chat-message / user-action は受信時と同じ名前を使います
const (
	TypeRoomJoined = "room-joined"
	TypeUserJoined = "user-joined"
	TypeUserLeft   = "user-left"
	TypeError      = "error"
	TypePong       = "pong"
)

// DefaultChatType はtype未指定のチャットメッセージに付与する種別
const DefaultChatType = "text"

// Envelope は送信するメッセージの構造
type Envelope struct {
	Type    string `json:"type"`              // メッセージタイプ
	Payload any    `json:"payload,omitempty"` // メッセージのペイロード（型は種別ごとに異なる）
}

// RoomJoinedPayload は入室した本人にだけ送る確認メッセージ
type RoomJoinedPayload struct {
	RoomID       string          `json:"roomId"`
	Participants []models.Member `json:"participants"` // 本人を含む参加者一覧
	YourID       string          `json:"yourId"`
}

// UserJoinedPayload は他の参加者に送る入室通知
type UserJoinedPayload struct {
	UserID       string          `json:"userId"`
	UserData     models.Profile  `json:"userData"`
	Participants []models.Member `json:"participants"`
}

// UserLeftPayload は残った参加者に送る退出通知
type UserLeftPayload struct {
	UserID       string          `json:"userId"`
	Participants []models.Member `json:"participants"`
}

// ChatMessagePayload は中継するチャットメッセージ
type ChatMessagePayload struct {
	ID        string         `json:"id"`        // メッセージID（ULID）
	Message   string         `json:"message"`   // 本文
	Sender    string         `json:"sender"`    // 送信者の接続ID
	UserData  models.Profile `json:"userData"`  // 送信者のプロフィール
	Timestamp string         `json:"timestamp"` // サーバー側で付与した時刻
	Type      string         `json:"type"`      // メッセージ種別（既定は "text"）
}

// UserActionPayload は中継するユーザーアクション
type UserActionPayload struct {
	UserID    string `json:"userId"`
	Action    string `json:"action"`
	Value     Raw    `json:"value"`
	Timestamp string `json:"timestamp"`
}

// ErrorPayload は送信元の接続だけに返すエラー
type ErrorPayload struct {
	Message string `json:"message"`
}

// Timestamp はサーバー側で付与する時刻の文字列表現を返します
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ErrorEnvelope はエラーメッセージを組み立てます
func ErrorEnvelope(msg string) Envelope {
	return Envelope{Type: TypeError, Payload: ErrorPayload{Message: msg}}
}
