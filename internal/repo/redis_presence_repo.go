package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/models"
	"github.com/redis/go-redis/v9"
)

type RedisPresenceRepo struct{ rdb redis.UniversalClient }

func NewRedisPresenceRepo(rdb redis.UniversalClient) *RedisPresenceRepo {
	return &RedisPresenceRepo{rdb: rdb}
}

func roomKey(id string) string {
	return fmt.Sprintf("rooms:%s", id)
}
func usersKey(id string) string {
	return fmt.Sprintf("rooms:%s:users", id)
}
func userKey(rid, uid string) string {
	return fmt.Sprintf("users:%s:%s", rid, uid)
}

func sec(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// saveRoomScript は参加者一覧をまるごと置き換えます
// 抜けた参加者のキーが残らないよう、古いキーを削除してから書き直します
var saveRoomScript = redis.NewScript(`
	local room_key = KEYS[1]
	local users_key = KEYS[2]
	local ttl = tonumber(ARGV[1])
	local room_id = ARGV[2]
	local room_json = ARGV[3]

	-- 既存の参加者キーを削除
	local old_ids = redis.call('SMEMBERS', users_key)
	for _, uid in ipairs(old_ids) do
		redis.call('DEL', 'users:' .. room_id .. ':' .. uid)
	end
	redis.call('DEL', users_key)

	redis.call('SET', room_key, room_json, 'EX', ttl)

	-- ARGV[4] 以降は (uid, member_json) の組
	for i = 4, #ARGV, 2 do
		local uid = ARGV[i]
		redis.call('SADD', users_key, uid)
		redis.call('SET', 'users:' .. room_id .. ':' .. uid, ARGV[i + 1], 'EX', ttl)
	end
	if #ARGV >= 4 then
		redis.call('EXPIRE', users_key, ttl)
	end

	return 'OK'
`)

// deleteRoomScript はルームと参加者のキーをアトミックに削除します
var deleteRoomScript = redis.NewScript(`
	local room_key = KEYS[1]
	local users_key = KEYS[2]
	local room_id = ARGV[1]

	-- 参加者一覧を取得
	local user_ids = redis.call('SMEMBERS', users_key)

	-- 削除するキーリストを構築
	local keys_to_delete = {room_key, users_key}
	for _, uid in ipairs(user_ids) do
		table.insert(keys_to_delete, 'users:' .. room_id .. ':' .. uid)
	end

	redis.call('DEL', unpack(keys_to_delete))
	return 'OK'
`)

// touchRoomScript はルームと参加者のキーのTTLをまとめて延長します
var touchRoomScript = redis.NewScript(`
	local room_key = KEYS[1]
	local users_key = KEYS[2]
	local ttl = tonumber(ARGV[1])
	local room_id = ARGV[2]

	redis.call('EXPIRE', room_key, ttl)
	redis.call('EXPIRE', users_key, ttl)

	local user_ids = redis.call('SMEMBERS', users_key)
	for _, uid in ipairs(user_ids) do
		redis.call('EXPIRE', 'users:' .. room_id .. ':' .. uid, ttl)
	end

	return 'OK'
`)

// SaveRoom はルームの参加者スナップショットを保存します
// 参加者が空の場合はルームを削除します
func (rr *RedisPresenceRepo) SaveRoom(ctx context.Context, roomID string, members []models.Member, ttl time.Duration) error {
	if len(members) == 0 {
		return rr.DeleteRoom(ctx, roomID)
	}
	room, err := json.Marshal(models.Room{RoomId: roomID, Participants: len(members), UpdatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	args := make([]any, 0, 3+2*len(members))
	args = append(args, sec(ttl), roomID, string(room))
	for _, m := range members {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		args = append(args, m.ID, string(b))
	}
	return saveRoomScript.Run(ctx, rr.rdb, []string{roomKey(roomID), usersKey(roomID)}, args...).Err()
}

func (rr *RedisPresenceRepo) DeleteRoom(ctx context.Context, roomID string) error {
	return deleteRoomScript.Run(ctx, rr.rdb, []string{roomKey(roomID), usersKey(roomID)}, roomID).Err()
}

func (rr *RedisPresenceRepo) TouchRoom(ctx context.Context, roomID string, ttl time.Duration) error {
	return touchRoomScript.Run(ctx, rr.rdb, []string{roomKey(roomID), usersKey(roomID)}, sec(ttl), roomID).Err()
}

func (rr *RedisPresenceRepo) GetRoom(ctx context.Context, roomID string) (models.Room, bool, error) {
	val, err := rr.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if err == redis.Nil { // データがない
		return models.Room{}, false, nil
	}
	if err != nil { // エラー
		return models.Room{}, false, err
	}
	var r models.Room
	if err := json.Unmarshal(val, &r); err != nil {
		return models.Room{}, false, err
	}
	return r, true, nil
}

// ListMembers は保存されている参加者を入室順で返します
func (rr *RedisPresenceRepo) ListMembers(ctx context.Context, roomID string) ([]models.Member, error) {
	ids, err := rr.rdb.SMembers(ctx, usersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Member{}, nil
	}

	// ユーザーキーを構築
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = userKey(roomID, id)
	}

	// 一括取得
	vals, err := rr.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	res := make([]models.Member, 0, len(ids))
	for _, val := range vals {
		b, ok := val.(string)
		if !ok {
			continue
		}
		var m models.Member
		if json.Unmarshal([]byte(b), &m) == nil {
			res = append(res, m)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].JoinedAt.Equal(res[j].JoinedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].JoinedAt.Before(res[j].JoinedAt)
	})
	return res, nil
}
