package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/middleware"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/presence"
	"github.com/mossy-p/webrtc-mesh/internal/store"
)

func startRelay(t *testing.T) (*httptest.Server, *testServer) {
	t.Helper()
	s := newTestServer(t)
	srv := httptest.NewServer(s.engine)
	t.Cleanup(srv.Close)
	return srv, s
}

func dial(t *testing.T, srv *httptest.Server, token string) *presence.Client {
	t.Helper()
	c := presence.New(presence.Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Token:          token,
		Logger:         logging.Discard(),
		RequestTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

type collector[T any] struct {
	mu    sync.Mutex
	items []T
}

func collect[T any](c *presence.Client, event string) *collector[T] {
	col := &collector[T]{}
	c.Bus().Subscribe(event, func(p any) {
		if v, ok := p.(T); ok {
			col.mu.Lock()
			col.items = append(col.items, v)
			col.mu.Unlock()
		}
	})
	return col
}

func (c *collector[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

func (c *collector[T]) last() (T, bool) {
	items := c.snapshot()
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[len(items)-1], true
}

func TestPresenceRoomLifecycle(t *testing.T) {
	srv, _ := startRelay(t)
	token, err := middleware.IssueToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	a := dial(t, srv, token)
	b := dial(t, srv, "")
	c := dial(t, srv, "")
	assert.NotEqual(t, a.ClientID(), b.ClientID())

	created, err := a.CreateRoom(ctx, models.CreateRoomRequest{Name: "lobby", MaxPlayers: 2})
	require.NoError(t, err)

	rooms, err := b.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "alice", rooms[0].CreatorID)

	found, err := b.FindRoomByCode(ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, created.RoomID, found.ID)

	changes := collect[models.RoomChange](a, presence.EventRoomChange)

	state, err := a.JoinRoom(ctx, models.RoomRef{Code: created.Code})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ClientID()}, state.Members)

	state, err = b.JoinRoom(ctx, models.RoomRef{RoomID: created.RoomID})
	require.NoError(t, err)
	assert.Len(t, state.Members, 2)
	assert.Equal(t, 2, state.Room.PlayerCount)

	require.Eventually(t, func() bool {
		last, ok := changes.last()
		return ok && last.Event == models.RoomJoined && last.ClientID == b.ClientID()
	}, time.Second, 5*time.Millisecond)

	_, err = c.JoinRoom(ctx, models.RoomRef{Code: created.Code})
	var reqErr *presence.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Contains(t, reqErr.Message, store.ErrRoomFull.Error())

	_, err = b.Lock(ctx)
	require.ErrorAs(t, err, &reqErr)
	assert.Contains(t, reqErr.Message, ErrNotCreator.Error())

	locked, err := a.Lock(ctx)
	require.NoError(t, err)
	assert.True(t, locked.Locked)

	require.NoError(t, b.LeaveRoom(ctx))
	require.Eventually(t, func() bool {
		last, ok := changes.last()
		return ok && last.Event == models.RoomLeft
	}, time.Second, 5*time.Millisecond)

	_, err = b.JoinRoom(ctx, models.RoomRef{Code: created.Code})
	require.ErrorAs(t, err, &reqErr)
	assert.Contains(t, reqErr.Message, store.ErrRoomLocked.Error())

	_, err = a.Unlock(ctx)
	require.NoError(t, err)
	require.NoError(t, a.CloseRoom(ctx))

	_, err = b.FindRoomByCode(ctx, created.Code)
	require.ErrorAs(t, err, &reqErr)
	err = b.LeaveRoom(ctx)
	require.ErrorAs(t, err, &reqErr)
	assert.Contains(t, reqErr.Message, ErrNotInRoom.Error())
}

func TestRelayRoutesByTargetOwner(t *testing.T) {
	srv, _ := startRelay(t)
	ctx := context.Background()
	a := dial(t, srv, "")
	b := dial(t, srv, "")

	created, err := a.CreateRoom(ctx, models.CreateRoomRequest{})
	require.NoError(t, err)
	_, err = a.JoinRoom(ctx, models.RoomRef{RoomID: created.RoomID})
	require.NoError(t, err)
	_, err = b.JoinRoom(ctx, models.RoomRef{RoomID: created.RoomID})
	require.NoError(t, err)

	received := make(chan models.Envelope, 4)
	b.OnRelay(func(env models.Envelope) { received <- env })

	signal, err := models.NewEnvelope(models.TypeWebRTC, models.CmdOffer, models.SignalData{Role: "data"})
	require.NoError(t, err)
	signal.Source = a.ClientID() + "P1"
	signal.Target = b.ClientID() + "P7"
	require.NoError(t, a.Send(signal))

	select {
	case env := <-received:
		assert.Equal(t, models.TypeWebRTC, env.Type)
		assert.Equal(t, a.ClientID()+"P1", env.Source)
		assert.Equal(t, b.ClientID()+"P7", env.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("relayed signal never arrived")
	}

	require.NoError(t, a.Send(models.Envelope{Type: models.TypeMessage, Source: "forgedP1"}))
	select {
	case env := <-received:
		assert.Equal(t, a.ClientID(), env.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast message never arrived")
	}
}

func TestTopologyFollowsAnnouncementsAndDisconnects(t *testing.T) {
	srv, _ := startRelay(t)
	ctx := context.Background()
	a := dial(t, srv, "")
	b := dial(t, srv, "")

	created, err := a.CreateRoom(ctx, models.CreateRoomRequest{})
	require.NoError(t, err)
	_, err = a.JoinRoom(ctx, models.RoomRef{RoomID: created.RoomID})
	require.NoError(t, err)
	_, err = b.JoinRoom(ctx, models.RoomRef{RoomID: created.RoomID})
	require.NoError(t, err)

	aID, bID := a.ClientID()+"P1", b.ClientID()+"P1"
	updates := collect[models.TopologyUpdate](b, presence.EventTopology)

	update, err := a.Announce(ctx, aID)
	require.NoError(t, err)
	assert.Equal(t, []string{aID}, update.Nodes)

	update, err = b.Announce(ctx, bID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{aID, bID}, update.Nodes)
	require.Len(t, update.Paths, 1)
	assert.ElementsMatch(t, []string{aID, bID}, update.Paths[0])

	_, err = b.Announce(ctx, a.ClientID()+"P2")
	var reqErr *presence.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Contains(t, reqErr.Message, ErrForeignIdentity.Error())

	_, err = a.ReportConnections(ctx, aID, []string{bID})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/rooms/" + created.RoomID + "/topology")
	require.NoError(t, err)
	defer resp.Body.Close()
	var live models.TopologyUpdate
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&live))
	assert.ElementsMatch(t, []string{aID, bID}, live.Nodes)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		last, ok := updates.last()
		return ok && len(last.Nodes) == 1 && last.Nodes[0] == bID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTopologyRequiresRoomMembership(t *testing.T) {
	srv, s := startRelay(t)
	a := dial(t, srv, "")
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := a.Announce(context.Background(), a.ClientID()+"P1")
	var reqErr *presence.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Contains(t, reqErr.Message, ErrNotInRoom.Error())

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return s.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
