// Package presence はルームの参加者変化を非同期にプレゼンスストアへ反映します
// リレーの処理をストアのI/Oでブロックしないよう、更新はキューに積んで別goroutineで書き込みます
package presence

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/repo"
)

const opTimeout = 3 * time.Second // ストア操作1回あたりのタイムアウト

// Source はメモリ上のルーム状態（正となる状態）を参照するためのインターフェース
// registry.RoomRegistry が実装します
type Source interface {
	IDs() []string
	Members(roomID string) []models.Member
}

// Publisher は service.PresenceSink を実装し、変化をストアに書き込みます
type Publisher struct {
	repo    repo.PresenceRepo
	src     Source
	ttl     time.Duration // ストア上のキーの有効期限
	refresh time.Duration // TTL延長の間隔
	queue   chan string   // 変化したルームID
	dirty   atomic.Bool   // キューが溢れて更新を取りこぼした
	log     *slog.Logger

	live map[string]struct{} // ストアに書き込んだルーム（Runのgoroutineだけが触る）
}

// NewPublisher は新しいPublisherを作成します
func NewPublisher(r repo.PresenceRepo, src Source, ttl, refresh time.Duration, queueSize int, logger *slog.Logger) *Publisher {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		repo:    r,
		src:     src,
		ttl:     ttl,
		refresh: refresh,
		queue:   make(chan string, queueSize),
		log:     logger,
		live:    make(map[string]struct{}),
	}
}

// RoomChanged はルームIDをキューに積みます。キューが満杯の場合は取りこぼし、次回の定期処理で全体を再同期します
// 参加者一覧は書き込み時にSourceから読み直すため、通知の到着順が入れ替わってもストアは最新の状態になります
func (p *Publisher) RoomChanged(roomID string) {
	select {
	case p.queue <- roomID:
	default:
		p.dirty.Store(true)
		p.log.Warn("presence update dropped, queue full", "roomId", roomID)
	}
}

// Run はキューの更新を書き込み、定期的にTTLを延長します
// ctxがキャンセルされるまで戻りません
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case roomID := <-p.queue:
			p.apply(ctx, roomID)
		case <-ticker.C:
			if p.dirty.Swap(false) {
				p.resync(ctx)
			} else {
				p.touch(ctx)
			}
		}
	}
}

// apply はルームの現在の参加者をストアに書き込みます（空ならルームを削除）
func (p *Publisher) apply(ctx context.Context, roomID string) {
	members := p.src.Members(roomID)

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.repo.SaveRoom(opCtx, roomID, members, p.ttl); err != nil {
		p.log.Error("failed to save presence", "roomId", roomID, "err", err)
		p.dirty.Store(true)
		return
	}
	if len(members) == 0 {
		delete(p.live, roomID)
	} else {
		p.live[roomID] = struct{}{}
	}
}

func (p *Publisher) touch(ctx context.Context) {
	for roomID := range p.live {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err := p.repo.TouchRoom(opCtx, roomID, p.ttl)
		cancel()
		if err != nil {
			p.log.Error("failed to touch presence", "roomId", roomID, "err", err)
		}
	}
}

// resync はメモリ上の状態からストアを書き直します
// 削除を取りこぼしたルームはTTL切れで消えます
func (p *Publisher) resync(ctx context.Context) {
	current := make(map[string]struct{})
	for _, roomID := range p.src.IDs() {
		current[roomID] = struct{}{}
		p.apply(ctx, roomID)
	}
	for roomID := range p.live {
		if _, ok := current[roomID]; !ok {
			p.apply(ctx, roomID)
		}
	}
	p.log.Info("presence resynced", "rooms", len(current))
}
