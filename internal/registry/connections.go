// Package registry は接続とルームのインメモリ管理を担当します
// どちらもリレーのインスタンスが所有し、グローバル変数としては持ちません
package registry

import (
	"sync"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/models"
)

// Connection は1つの接続の登録情報です
type Connection struct {
	ID      string         // 接続ID（トランスポートが払い出す）
	RoomID  string         // 所属ルームID（InRoomがfalseの場合は空）
	InRoom  bool           // ルームに参加済みかどうか
	Profile models.Profile // 入室時に確定したプロフィール
}

// ConnectionRegistry は接続IDから所属ルームとプロフィールへの対応を保持します
// スレッドセーフな実装により、複数のgoroutineから同時にアクセス可能です
type ConnectionRegistry struct {
	conns map[string]*Connection // 接続IDをキーとした登録情報
	mu    sync.RWMutex
}

// NewConnectionRegistry は空のConnectionRegistryを作成します
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]*Connection)}
}

// Register はルーム未所属の接続を登録します
// 既に登録済みの場合は何もしません
func (r *ConnectionRegistry) Register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return
	}
	r.conns[id] = &Connection{ID: id}
}

// SetRoom は接続の所属ルームとプロフィールを設定します
func (r *ConnectionRegistry) SetRoom(id, roomID string, p models.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	c.RoomID = roomID
	c.InRoom = true
	c.Profile = p
	return nil
}

// ClearRoom は接続をルーム未所属の状態に戻します
// ルームを切り替える際、旧ルームから抜けた直後に使われます
func (r *ConnectionRegistry) ClearRoom(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.RoomID = ""
		c.InRoom = false
		c.Profile = models.Profile{}
	}
}

// Get は登録情報のコピーを返します
func (r *ConnectionRegistry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// Remove は接続を削除します。存在しない場合は何もしません
func (r *ConnectionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Len は登録中の接続数を返します
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
