package registry

import "errors"

// ErrUnknownConnection は登録されていない接続IDへの更新を表します
// 切断競合により「既に存在しない」は通常ケースのため、呼び出し側は基本的に無視してよい
// 存在しないルームはエラーにせず、空の参加者一覧として扱います
var ErrUnknownConnection = errors.New("unknown connection")
