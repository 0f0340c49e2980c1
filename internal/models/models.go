// Package models はアプリケーションで使用するデータ構造を定義します
package models

import "time"

// Profile は接続ごとの表示用メタデータです
// 入室時に確定し、以降は変更されません
type Profile struct {
	Name     string    `json:"name"`     // 表示名
	Avatar   string    `json:"avatar"`   // アバター（文字またはURL、リレーは中身を解釈しない）
	JoinedAt time.Time `json:"joinedAt"` // 入室日時（サーバー側で付与）
}

// Member はルーム参加者一覧の1エントリを表します
// クライアントには {id, name, avatar, joinedAt} の形で送信されます
type Member struct {
	ID       string    `json:"id"`       // 接続ID
	Name     string    `json:"name"`     // 表示名
	Avatar   string    `json:"avatar"`   // アバター
	JoinedAt time.Time `json:"joinedAt"` // 入室日時
}

// NewMember は接続IDとプロフィールから参加者エントリを作成します
func NewMember(connID string, p Profile) Member {
	return Member{ID: connID, Name: p.Name, Avatar: p.Avatar, JoinedAt: p.JoinedAt}
}

// Stats は運用向けの状態サマリーです
type Stats struct {
	Rooms       int `json:"rooms"`       // 存在するルーム数
	Connections int `json:"connections"` // 登録中の接続数
}

// Room はプレゼンスストアに保存するルームの概要です
type Room struct {
	RoomId       string `json:"roomId"`       // ルームID
	Participants int    `json:"participants"` // 参加者数
	UpdatedAt    int64  `json:"updatedAt"`    // 最終更新日時（Unixタイムスタンプ）
}
