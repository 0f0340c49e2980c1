package service

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/protocol"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	to  string
	env protocol.Envelope
}

// recordingSender はテスト用にSendされたメッセージを記録します
type recordingSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (s *recordingSender) Send(connID string, msg protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sent{to: connID, env: msg})
	return true
}

func (s *recordingSender) to(connID string) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, m := range s.msgs {
		if m.to == connID {
			out = append(out, m.env)
		}
	}
	return out
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	s.msgs = nil
	s.mu.Unlock()
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type recordingPresence struct {
	mu      sync.Mutex
	changes map[string]int
}

func (p *recordingPresence) RoomChanged(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes[roomID]++
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRelay(t *testing.T) (*Relay, *recordingSender) {
	t.Helper()
	s := &recordingSender{}
	r := NewRelay(registry.NewConnectionRegistry(), registry.NewRoomRegistry(), s,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return fixedNow }),
		WithMessageIDGenerator(func() string { return "msg-1" }),
	)
	return r, s
}

func memberIDs(ms []models.Member) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func connectAndJoin(t *testing.T, r *Relay, connID, roomID, name string) {
	t.Helper()
	r.Connect(connID)
	require.NoError(t, r.Join(connID, roomID, name, ""))
}

func TestRelay_JoinScenario(t *testing.T) {
	r, s := newTestRelay(t)

	connectAndJoin(t, r, "A", "r1", "Ann")
	got := s.to("A")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeRoomJoined, got[0].Type)
	ack := got[0].Payload.(protocol.RoomJoinedPayload)
	assert.Equal(t, "r1", ack.RoomID)
	assert.Equal(t, "A", ack.YourID)
	assert.Equal(t, []string{"A"}, memberIDs(ack.Participants))
	assert.Equal(t, "Ann", ack.Participants[0].Name)
	assert.Equal(t, fixedNow, ack.Participants[0].JoinedAt)

	s.reset()
	connectAndJoin(t, r, "B", "r1", "Bo")

	got = s.to("B")
	require.Len(t, got, 1)
	ack = got[0].Payload.(protocol.RoomJoinedPayload)
	assert.Equal(t, []string{"A", "B"}, memberIDs(ack.Participants))

	got = s.to("A")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeUserJoined, got[0].Type)
	joined := got[0].Payload.(protocol.UserJoinedPayload)
	assert.Equal(t, "B", joined.UserID)
	assert.Equal(t, "Bo", joined.UserData.Name)
	assert.Equal(t, []string{"A", "B"}, memberIDs(joined.Participants))

	assert.Equal(t, 2, s.count())
}

func TestRelay_JoinProfileIsSharedBetweenRegistries(t *testing.T) {
	r, _ := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")

	c, ok := r.conns.Get("A")
	require.True(t, ok)
	members, ok := r.Room("r1")
	require.True(t, ok)
	require.Len(t, members, 1)
	assert.Equal(t, models.NewMember("A", c.Profile), members[0])
}

func TestRelay_JoinRejectsEmptyRoom(t *testing.T) {
	r, s := newTestRelay(t)
	r.Connect("A")

	err := r.Join("A", "   ", "Ann", "")
	assert.ErrorIs(t, err, protocol.ErrMalformedEvent)
	assert.Equal(t, 0, s.count())
	assert.Equal(t, 0, r.Stats().Rooms)
}

func TestRelay_JoinUnknownConnection(t *testing.T) {
	r, s := newTestRelay(t)
	err := r.Join("ghost", "r1", "Ann", "")
	assert.ErrorIs(t, err, registry.ErrUnknownConnection)
	assert.Equal(t, 0, s.count())
	assert.False(t, r.rooms.Exists("r1"))
}

func TestRelay_JoinWhileInRoomSwitchesRooms(t *testing.T) {
	r, s := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")
	connectAndJoin(t, r, "B", "r1", "Bo")
	connectAndJoin(t, r, "C", "r2", "Cy")
	s.reset()

	require.NoError(t, r.Join("A", "r2", "Ann", ""))

	got := s.to("B")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeUserLeft, got[0].Type)
	assert.Equal(t, []string{"B"}, memberIDs(got[0].Payload.(protocol.UserLeftPayload).Participants))

	got = s.to("C")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeUserJoined, got[0].Type)

	c, _ := r.conns.Get("A")
	assert.Equal(t, "r2", c.RoomID)
	assert.Equal(t, []string{"B"}, memberIDs(r.rooms.Members("r1")))
	assert.Equal(t, []string{"C", "A"}, memberIDs(r.rooms.Members("r2")))
}

func TestRelay_OfferScenario(t *testing.T) {
	r, s := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")
	connectAndJoin(t, r, "B", "r1", "Bo")
	connectAndJoin(t, r, "C", "r1", "Cy")
	s.reset()

	blob := protocol.Raw(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, r.Dispatch("A", protocol.Signal{Kind: protocol.SignalOffer, Target: "B", Payload: blob}))

	got := s.to("B")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeOffer, got[0].Type)
	p := got[0].Payload.(map[string]any)
	assert.Equal(t, blob, p["offer"])
	assert.Equal(t, "A", p["sender"])
	assert.Equal(t, "Ann", p["userData"].(models.Profile).Name)

	assert.Empty(t, s.to("C"))
	assert.Empty(t, s.to("A"))
}

func TestRelay_AnswerHasNoProfile(t *testing.T) {
	r, s := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")
	connectAndJoin(t, r, "B", "r1", "Bo")
	s.reset()

	r.RelaySignal("B", protocol.Signal{Kind: protocol.SignalAnswer, Target: "A", Payload: protocol.Raw(`{}`)})

	got := s.to("A")
	require.Len(t, got, 1)
	p := got[0].Payload.(map[string]any)
	assert.Equal(t, "B", p["sender"])
	_, hasProfile := p["userData"]
	assert.False(t, hasProfile)
}

func TestRelay_SignalToRoomBroadcastsToOthers(t *testing.T) {
	r, s := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")
	connectAndJoin(t, r, "B", "r1", "Bo")
	connectAndJoin(t, r, "C", "r1", "Cy")
	connectAndJoin(t, r, "D", "r2", "Di")
	s.reset()

	r.RelaySignal("A", protocol.Signal{Kind: protocol.SignalCandidate, Target: "r1", Payload: protocol.Raw(`{"candidate":"c"}`)})

	assert.Len(t, s.to("B"), 1)
	assert.Len(t, s.to("C"), 1)
	assert.Empty(t, s.to("A"))
	assert.Empty(t, s.to("D"))
	assert.Equal(t, protocol.TypeICECandidate, s.to("B")[0].Type)
}

func TestRelay_SignalDrops(t *testing.T) {
	tests := []struct {
		name   string
		sender string
		target string
	}{
		{"unknown target", "A", "nobody"},
		{"target in another room", "A", "D"},
		{"another room id", "A", "r2"},
		{"self target", "A", "A"},
		{"anonymous sender", "E", "B"},
		{"unknown sender", "ghost", "B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, s := newTestRelay(t)
			connectAndJoin(t, r, "A", "r1", "Ann")
			connectAndJoin(t, r, "B", "r1", "Bo")
			connectAndJoin(t, r, "D", "r2", "Di")
			r.Connect("E")
			s.reset()

			err := r.Dispatch(tt.sender, protocol.Signal{Kind: protocol.SignalOffer, Target: tt.target, Payload: protocol.Raw(`{}`)})
			assert.NoError(t, err)
			assert.Equal(t, 0, s.count())
		})
	}
}

func TestRelay_DisconnectScenario(t *testing.T) {
	r, s := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")
	connectAndJoin(t, r, "B", "r1", "Bo")
	s.reset()

	r.Leave("A")

	got := s.to("B")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeUserLeft, got[0].Type)
	left := got[0].Payload.(protocol.UserLeftPayload)
	assert.Equal(t, "A", left.UserID)
	assert.Equal(t, []string{"B"}, memberIDs(left.Participants))
	assert.True(t, r.rooms.Exists("r1"))

	r.Leave("B")
	assert.False(t, r.rooms.Exists("r1"))
	assert.Equal(t, models.Stats{}, r.Stats())
}

func TestRelay_LeaveIsIdempotent(t *testing.T) {
	r, s := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")
	connectAndJoin(t, r, "B", "r1", "Bo")
	s.reset()

	r.Leave("A")
	r.Leave("A")

	assert.Len(t, s.to("B"), 1)
	assert.Equal(t, []string{"B"}, memberIDs(r.rooms.Members("r1")))
	assert.Equal(t, models.Stats{Rooms: 1, Connections: 1}, r.Stats())

	r.Leave("never-connected")
	r.Connect("anon")
	r.Leave("anon")
	r.Leave("anon")
	assert.Equal(t, models.Stats{Rooms: 1, Connections: 1}, r.Stats())
}

func TestRelay_ChatScenario(t *testing.T) {
	r, s := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")
	connectAndJoin(t, r, "B", "r1", "Bo")
	connectAndJoin(t, r, "C", "r1", "Cy")
	s.reset()

	require.NoError(t, r.Dispatch("A", protocol.ChatMessage{Room: "r1", Message: "hi", Type: "text"}))

	assert.Empty(t, s.to("A"))
	for _, id := range []string{"B", "C"} {
		got := s.to(id)
		require.Len(t, got, 1, id)
		assert.Equal(t, protocol.TypeChatMessage, got[0].Type)
		p := got[0].Payload.(protocol.ChatMessagePayload)
		assert.Equal(t, "hi", p.Message)
		assert.Equal(t, "A", p.Sender)
		assert.Equal(t, "Ann", p.UserData.Name)
		assert.Equal(t, "2024-05-01T12:00:00.000Z", p.Timestamp)
		assert.Equal(t, "text", p.Type)
		assert.Equal(t, "msg-1", p.ID)
	}
}

func TestRelay_ChatDefaultsRoomAndType(t *testing.T) {
	r, s := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")
	connectAndJoin(t, r, "B", "r1", "Bo")
	s.reset()

	require.NoError(t, r.RelayChat("A", "", "hey", ""))
	got := s.to("B")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.DefaultChatType, got[0].Payload.(protocol.ChatMessagePayload).Type)
}

func TestRelay_ChatOutsideOwnRoomIsRejected(t *testing.T) {
	r, s := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")
	connectAndJoin(t, r, "D", "r2", "Di")
	r.Connect("E")
	s.reset()

	assert.ErrorIs(t, r.RelayChat("A", "r2", "sneaky", "text"), ErrNotInRoom)
	assert.ErrorIs(t, r.RelayChat("E", "r1", "hello", "text"), ErrNotInRoom)
	assert.ErrorIs(t, r.RelayUserAction("A", "r2", "mute", nil), ErrNotInRoom)
	assert.Equal(t, 0, s.count())
}

func TestRelay_UserActionBroadcast(t *testing.T) {
	r, s := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")
	connectAndJoin(t, r, "B", "r1", "Bo")
	s.reset()

	require.NoError(t, r.Dispatch("A", protocol.UserAction{Room: "r1", Action: "raise-hand", Value: protocol.Raw(`{"up":true}`)}))

	assert.Empty(t, s.to("A"))
	got := s.to("B")
	require.Len(t, got, 1)
	p := got[0].Payload.(protocol.UserActionPayload)
	assert.Equal(t, "A", p.UserID)
	assert.Equal(t, "raise-hand", p.Action)
	assert.Equal(t, protocol.Raw(`{"up":true}`), p.Value)
	assert.Equal(t, "2024-05-01T12:00:00.000Z", p.Timestamp)
}

func TestRelay_DispatchLeaveAndPing(t *testing.T) {
	r, s := newTestRelay(t)
	connectAndJoin(t, r, "A", "r1", "Ann")
	s.reset()

	require.NoError(t, r.Dispatch("A", protocol.Ping{}))
	got := s.to("A")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypePong, got[0].Type)

	require.NoError(t, r.Dispatch("A", protocol.LeaveRoom{}))
	assert.False(t, r.rooms.Exists("r1"))
	_, ok := r.conns.Get("A")
	assert.False(t, ok)
}

func TestRelay_PresenceNotifiedOnChanges(t *testing.T) {
	s := &recordingSender{}
	p := &recordingPresence{changes: make(map[string]int)}
	r := NewRelay(registry.NewConnectionRegistry(), registry.NewRoomRegistry(), s,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPresence(p),
	)

	connectAndJoin(t, r, "A", "r1", "Ann")
	connectAndJoin(t, r, "B", "r1", "Bo")
	assert.Equal(t, 2, p.changes["r1"])

	// 別ルームへの移動は両方のルームに通知される
	require.NoError(t, r.Join("B", "r2", "Bo", ""))
	assert.Equal(t, 3, p.changes["r1"])
	assert.Equal(t, 1, p.changes["r2"])

	r.Leave("A")
	r.Leave("B")
	assert.Equal(t, 4, p.changes["r1"])
	assert.Equal(t, 2, p.changes["r2"])

	// 接続だけの退出ではルームに変化がない
	r.Connect("C")
	r.Leave("C")
	assert.Len(t, p.changes, 2)
}

func TestRelay_ConcurrentRooms(t *testing.T) {
	r, _ := newTestRelay(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, room := range []string{"r1", "r2", "r3"} {
			wg.Add(1)
			go func(connID, roomID string) {
				defer wg.Done()
				r.Connect(connID)
				_ = r.Join(connID, roomID, connID, "")
				_ = r.RelayChat(connID, roomID, "hi", "text")
				r.Leave(connID)
				r.Leave(connID)
			}(room+"-"+string(rune('a'+i)), room)
		}
	}
	wg.Wait()

	assert.Equal(t, models.Stats{}, r.Stats())
}
