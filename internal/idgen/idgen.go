// Package idgen は接続IDやメッセージIDの生成を担当します
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID は時刻順に並ぶ一意なIDを生成します（チャットメッセージIDに使用）
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewConnectionID は接続ごとの不透明なIDを生成します
// 推測されにくいランダムなUUIDを使います
func NewConnectionID() string {
	return uuid.NewString()
}
