// Package repo はルーム在室情報（プレゼンス）の外部ストアへのミラーを担当します
// リレーの正となる状態はメモリ上のレジストリであり、ここに書いた内容をルーティングに使うことはありません
package repo

import (
	"context"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/models"
)

// PresenceRepo はルームの参加者スナップショットを保存するストアのインターフェース
type PresenceRepo interface {
	SaveRoom(ctx context.Context, roomID string, members []models.Member, ttl time.Duration) error
	DeleteRoom(ctx context.Context, roomID string) error
	TouchRoom(ctx context.Context, roomID string, ttl time.Duration) error

	GetRoom(ctx context.Context, roomID string) (models.Room, bool, error)
	ListMembers(ctx context.Context, roomID string) ([]models.Member, error)
}
