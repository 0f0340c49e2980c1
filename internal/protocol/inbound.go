package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/models"
)

// Raw はリレーが解釈しないJSONの塊（SDP、ICE候補、アクション値など）
type Raw = json.RawMessage

// ErrMalformedEvent は必須フィールドの欠落や型不一致を表します
var ErrMalformedEvent = errors.New("malformed event")

// SignalKind はシグナリングメッセージの種別
type SignalKind int

const (
	SignalOffer SignalKind = iota
	SignalAnswer
	SignalCandidate
)

// Type はワイヤ上のイベント名を返します
func (k SignalKind) Type() string {
	switch k {
	case SignalOffer:
		return TypeOffer
	case SignalAnswer:
		return TypeAnswer
	default:
		return TypeICECandidate
	}
}

// field はペイロード内でblobを格納するキー名を返します
func (k SignalKind) field() string {
	switch k {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	default:
		return "candidate"
	}
}

// Inbound はクライアントから受信するイベントの閉じた集合です
// 実装は JoinRoom / Signal / ChatMessage / UserAction / LeaveRoom / Ping のみです
type Inbound interface {
	inbound()
}

// JoinRoom は join-room イベント
type JoinRoom struct {
	RoomID string
	Name   string
	Avatar string
}

// Signal は offer / answer / ice-candidate イベント
// Target は接続IDまたはルームIDで、どちらかはリレー側で解決します
type Signal struct {
	Kind    SignalKind
	Target  string
	Payload Raw
}

// ChatMessage は chat-message イベント
type ChatMessage struct {
	Room    string
	Message string
	Type    string
}

// UserAction は user-action イベント
type UserAction struct {
	Room   string
	Action string
	Value  Raw
}

// LeaveRoom は leave-room イベント（明示的な退出）
type LeaveRoom struct{}

// Ping はアプリケーションレベルの死活確認
type Ping struct{}

func (JoinRoom) inbound()    {}
func (Signal) inbound()      {}
func (ChatMessage) inbound() {}
func (UserAction) inbound()  {}
func (LeaveRoom) inbound()   {}
func (Ping) inbound()        {}

type rawEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinRoomWire struct {
	RoomID  string `json:"roomId"`
	Profile *struct {
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	} `json:"profile"`
}

type signalWire struct {
	Offer     Raw    `json:"offer"`
	Answer    Raw    `json:"answer"`
	Candidate Raw    `json:"candidate"`
	Target    string `json:"target"`
}

type chatWire struct {
	Message *string `json:"message"`
	Room    string  `json:"room"`
	Type    string  `json:"type"`
}

type userActionWire struct {
	Room   string `json:"room"`
	Action string `json:"action"`
	Value  Raw    `json:"value"`
}

// Decode は受信したメッセージをInboundに変換します
// 不正な場合は ErrMalformedEvent をラップしたエラーを返し、部分的な結果は返しません
func Decode(data []byte) (Inbound, error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("invalid JSON")
	}
	switch env.Type {
	case TypeJoinRoom:
		var w joinRoomWire
		if err := unmarshalPayload(env.Payload, &w); err != nil {
			return nil, err
		}
		roomID := strings.TrimSpace(w.RoomID)
		if roomID == "" {
			return nil, malformed("roomId required")
		}
		ev := JoinRoom{RoomID: roomID}
		if w.Profile != nil {
			ev.Name = w.Profile.Name
			ev.Avatar = w.Profile.Avatar
		}
		return ev, nil
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return decodeSignal(env)
	case TypeChatMessage:
		var w chatWire
		if err := unmarshalPayload(env.Payload, &w); err != nil {
			return nil, err
		}
		if w.Message == nil {
			return nil, malformed("message required")
		}
		t := w.Type
		if t == "" {
			t = DefaultChatType
		}
		return ChatMessage{Room: strings.TrimSpace(w.Room), Message: *w.Message, Type: t}, nil
	case TypeUserAction:
		var w userActionWire
		if err := unmarshalPayload(env.Payload, &w); err != nil {
			return nil, err
		}
		if strings.TrimSpace(w.Action) == "" {
			return nil, malformed("action required")
		}
		return UserAction{Room: strings.TrimSpace(w.Room), Action: w.Action, Value: w.Value}, nil
	case TypeLeaveRoom:
		return LeaveRoom{}, nil
	case TypePing:
		return Ping{}, nil
	case "":
		return nil, malformed("type required")
	default:
		return nil, malformed(fmt.Sprintf("unknown event type %q", env.Type))
	}
}

func decodeSignal(env rawEnvelope) (Inbound, error) {
	var w signalWire
	if err := unmarshalPayload(env.Payload, &w); err != nil {
		return nil, err
	}
	var ev Signal
	switch env.Type {
	case TypeOffer:
		ev = Signal{Kind: SignalOffer, Payload: w.Offer}
	case TypeAnswer:
		ev = Signal{Kind: SignalAnswer, Payload: w.Answer}
	default:
		ev = Signal{Kind: SignalCandidate, Payload: w.Candidate}
	}
	if isAbsent(ev.Payload) {
		return nil, malformed(ev.Kind.field() + " required")
	}
	ev.Target = strings.TrimSpace(w.Target)
	if ev.Target == "" {
		return nil, malformed("target required")
	}
	return ev, nil
}

func unmarshalPayload(payload json.RawMessage, dst any) error {
	if isAbsent(payload) {
		return malformed("payload required")
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return malformed("invalid payload")
	}
	return nil
}

func isAbsent(r Raw) bool {
	t := bytes.TrimSpace(r)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, reason)
}

// SignalEnvelope は中継用のシグナリングメッセージを組み立てます
// blobは受信したまま変更せず、送信者IDを付与します。offerの場合のみ送信者のプロフィールも付与します
func SignalEnvelope(kind SignalKind, payload Raw, sender string, userData *models.Profile) Envelope {
	p := map[string]any{
		kind.field(): payload,
		"sender":     sender,
	}
	if kind == SignalOffer && userData != nil {
		p["userData"] = *userData
	}
	return Envelope{Type: kind.Type(), Payload: p}
}
