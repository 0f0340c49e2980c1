package service

import "errors"

// カスタムエラー定義
var (
	ErrNotInRoom = errors.New("not a member of room") // 送信者が指定ルームに参加していない
)
