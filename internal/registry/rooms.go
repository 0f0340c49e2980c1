package registry

import (
	"hash/fnv"
	"sync"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/models"
)

const defaultShardCount = 32 // ルームレジストリのシャード数

// room は1つのルームの参加者を保持します
// order は入室順で、一覧表示のためだけに使います
type room struct {
	order   []string                 // 入室順の接続ID
	members map[string]models.Member // 接続IDをキーとした参加者
}

func (rm *room) snapshot() []models.Member {
	out := make([]models.Member, 0, len(rm.order))
	for _, id := range rm.order {
		out = append(out, rm.members[id])
	}
	return out
}

// roomShard はルームIDのハッシュで振り分けたルームの集合です
type roomShard struct {
	rooms map[string]*room
	mu    sync.RWMutex
}

// RoomRegistry はルームIDから参加者集合への対応を保持します
// ルームIDでシャーディングしており、異なるシャードのルーム操作は互いにロックを取り合いません
// 同一ルームに対する各操作（追加・削除・スナップショット取得・空ルームの削除）はシャードのロック内で一括して行われます
type RoomRegistry struct {
	shards []*roomShard
}

// NewRoomRegistry はデフォルトのシャード数でRoomRegistryを作成します
func NewRoomRegistry() *RoomRegistry {
	return NewShardedRoomRegistry(defaultShardCount)
}

// NewShardedRoomRegistry は指定したシャード数でRoomRegistryを作成します
// n が1未満の場合は1として扱います
func NewShardedRoomRegistry(n int) *RoomRegistry {
	if n < 1 {
		n = 1
	}
	shards := make([]*roomShard, n)
	for i := range shards {
		shards[i] = &roomShard{rooms: make(map[string]*room)}
	}
	return &RoomRegistry{shards: shards}
}

func (r *RoomRegistry) shard(roomID string) *roomShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Join は参加者をルームに追加し、追加後の参加者一覧を返します
// ルームが存在しない場合は作成します。同じ接続IDが既にいる場合はエントリを置き換えます
// 戻り値はコピーなので、呼び出し側はそのままシリアライズして構いません
func (r *RoomRegistry) Join(roomID, connID string, m models.Member) []models.Member {
	s := r.shard(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]models.Member)}
		s.rooms[roomID] = rm
	}
	if _, exists := rm.members[connID]; !exists {
		rm.order = append(rm.order, connID)
	}
	rm.members[connID] = m
	return rm.snapshot()
}

// Leave は参加者をルームから削除し、残りの参加者一覧とルームが残っているかを返します
// 最後の参加者が抜けた場合はルーム自体を即座に削除します
// 存在しないルーム・参加者を指定した場合は何もしません
func (r *RoomRegistry) Leave(roomID, connID string) ([]models.Member, bool) {
	s := r.shard(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		return []models.Member{}, false
	}
	if _, exists := rm.members[connID]; exists {
		delete(rm.members, connID)
		for i, id := range rm.order {
			if id == connID {
				rm.order = append(rm.order[:i], rm.order[i+1:]...)
				break
			}
		}
	}
	if len(rm.members) == 0 {
		delete(s.rooms, roomID)
		return []models.Member{}, false
	}
	return rm.snapshot(), true
}

// Members は参加者一覧のスナップショットを返します
// ルームが存在しない場合は空のスライスを返します
func (r *RoomRegistry) Members(roomID string) []models.Member {
	s := r.shard(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		return []models.Member{}
	}
	return rm.snapshot()
}

// Exists はルームが存在するかを返します
func (r *RoomRegistry) Exists(roomID string) bool {
	s := r.shard(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Len は存在するルーム数を返します
func (r *RoomRegistry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.rooms)
		s.mu.RUnlock()
	}
	return n
}

// IDs は存在するルームIDの一覧を返します（順序は不定）
func (r *RoomRegistry) IDs() []string {
	var ids []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.rooms {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	return ids
}
