package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peerid"
	"github.com/mossy-p/webrtc-mesh/internal/store"
	"github.com/mossy-p/webrtc-mesh/internal/topology"
)

var (
	ErrNotInRoom       = errors.New("not in a room")
	ErrNotCreator      = errors.New("only the room creator can do that")
	ErrForeignIdentity = errors.New("identity belongs to another client")
	ErrUnknownCommand  = errors.New("unknown command")
)

// Hub tracks connected clients, the rooms they sit in and the topology graph
// of every active room.
type Hub struct {
	store         store.Store
	log           *logrus.Logger
	jwtSecret     string
	maxPathLength int

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]*liveRoom
}

// liveRoom is the in-memory side of a room with at least one member.
type liveRoom struct {
	id      string
	members map[string]*Client
	graph   *topology.Graph
}

func NewHub(s store.Store, jwtSecret string, maxPathLength int, logger *logrus.Logger) *Hub {
	return &Hub{
		store:         s,
		log:           logger,
		jwtSecret:     jwtSecret,
		maxPathLength: maxPathLength,
		clients:       make(map[string]*Client),
		rooms:         make(map[string]*liveRoom),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(ctx context.Context, c *Client) {
	if err := h.leave(ctx, c); err != nil && !errors.Is(err, ErrNotInRoom) {
		c.log.WithError(err).Warn("Failed to leave room on disconnect")
	}
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
}

// ClientCount returns the number of connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handle dispatches one envelope read from c.
func (h *Hub) handle(ctx context.Context, c *Client, env models.Envelope) {
	switch env.Type {
	case models.TypePresence:
		data, err := h.handlePresence(ctx, c, env)
		c.sendEnvelope(env.Reply(data, err))
	case models.TypeTopology:
		data, err := h.handleTopology(c, env)
		c.sendEnvelope(env.Reply(data, err))
	case models.TypePing:
		c.sendEnvelope(models.Envelope{ID: env.ID, Type: models.TypePong})
	default:
		h.relay(c, env)
	}
}

func (h *Hub) handlePresence(ctx context.Context, c *Client, env models.Envelope) (any, error) {
	switch env.Cmd {
	case models.CmdCreateRoom:
		var req models.CreateRoomRequest
		if len(env.Data) > 0 {
			if err := env.Decode(&req); err != nil {
				return nil, err
			}
		}
		return h.createRoom(ctx, c, req)
	case models.CmdListRooms:
		return h.store.ListRooms(ctx)
	case models.CmdFindRoomByCode:
		var ref models.RoomRef
		if err := env.Decode(&ref); err != nil {
			return nil, err
		}
		return store.Resolve(ctx, h.store, ref.Code)
	case models.CmdGetRoom:
		var ref models.RoomRef
		if err := env.Decode(&ref); err != nil {
			return nil, err
		}
		return h.join(ctx, c, ref)
	case models.CmdLock, models.CmdUnlock:
		return h.setLocked(ctx, c, env.Cmd == models.CmdLock)
	case models.CmdLeaveRoom:
		return nil, h.leave(ctx, c)
	case models.CmdCloseRoom:
		roomID := h.roomOf(c)
		if roomID == "" {
			return nil, ErrNotInRoom
		}
		room, err := h.store.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if !c.owns(room) {
			return nil, ErrNotCreator
		}
		return nil, h.CloseRoom(ctx, roomID)
	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownCommand, env.Type, env.Cmd)
	}
}

func (h *Hub) createRoom(ctx context.Context, c *Client, req models.CreateRoomRequest) (models.CreateRoomResponse, error) {
	if req.MaxPlayers != 0 && (req.MaxPlayers < 2 || req.MaxPlayers > 16) {
		return models.CreateRoomResponse{}, fmt.Errorf("maxPlayers must be between 2 and 16")
	}
	room := store.NewRoom(c.creatorID(), req.Name, req.MaxPlayers)
	if err := h.store.SaveRoom(ctx, room); err != nil {
		return models.CreateRoomResponse{}, err
	}
	c.log.WithFields(logrus.Fields{"room": room.ID, "code": room.Code}).Info("Room created")
	return models.CreateRoomResponse{RoomID: room.ID, Code: room.Code}, nil
}

func (h *Hub) roomOf(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.roomID
}

// join moves c into the room named by ref, leaving its previous room.
func (h *Hub) join(ctx context.Context, c *Client, ref models.RoomRef) (models.RoomState, error) {
	room, err := store.Resolve(ctx, h.store, ref.Identifier())
	if err != nil {
		return models.RoomState{}, err
	}
	if h.roomOf(c) == room.ID {
		members, err := h.store.Members(ctx, room.ID)
		return models.RoomState{Room: room, Members: members}, err
	}
	if err := store.CheckJoinable(room); err != nil {
		return models.RoomState{}, err
	}
	if err := h.leave(ctx, c); err != nil && !errors.Is(err, ErrNotInRoom) {
		return models.RoomState{}, err
	}
	if err := h.store.AddMember(ctx, room.ID, c.ID); err != nil {
		return models.RoomState{}, err
	}

	h.mu.Lock()
	live, ok := h.rooms[room.ID]
	if !ok {
		live = &liveRoom{id: room.ID, members: make(map[string]*Client), graph: topology.NewGraph(h.maxPathLength)}
		h.rooms[room.ID] = live
	}
	live.members[c.ID] = c
	c.roomID = room.ID
	h.mu.Unlock()

	members, err := h.store.Members(ctx, room.ID)
	if err != nil {
		return models.RoomState{}, err
	}
	room.PlayerCount = len(members)

	c.log.WithFields(logrus.Fields{"room": room.ID, "players": room.PlayerCount, "max": room.MaxPlayers}).Info("Client joined room")
	h.broadcastRoomChange(room.ID, models.RoomChange{Event: models.RoomJoined, ClientID: c.ID, Room: room, Members: members}, c.ID)
	return models.RoomState{Room: room, Members: members}, nil
}

// leave removes c from its room and drops every mesh identity it owns from
// the room's topology.
func (h *Hub) leave(ctx context.Context, c *Client) error {
	h.mu.Lock()
	roomID := c.roomID
	if roomID == "" {
		h.mu.Unlock()
		return ErrNotInRoom
	}
	c.roomID = ""
	var removed []string
	if live, ok := h.rooms[roomID]; ok {
		delete(live.members, c.ID)
		removed = live.graph.RemoveNode(c.ID)
		if len(live.members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	if err := h.store.RemoveMember(ctx, roomID, c.ID); err != nil {
		return err
	}
	c.log.WithField("room", roomID).Info("Client left room")

	if room, err := h.store.GetRoom(ctx, roomID); err == nil {
		members, _ := h.store.Members(ctx, roomID)
		room.PlayerCount = len(members)
		h.broadcastRoomChange(roomID, models.RoomChange{Event: models.RoomLeft, ClientID: c.ID, Room: room, Members: members}, c.ID)
	}
	if len(removed) > 0 {
		h.broadcastTopology(roomID)
	}
	return nil
}

func (h *Hub) setLocked(ctx context.Context, c *Client, locked bool) (models.RoomMetadata, error) {
	roomID := h.roomOf(c)
	if roomID == "" {
		return models.RoomMetadata{}, ErrNotInRoom
	}
	room, err := store.Resolve(ctx, h.store, roomID)
	if err != nil {
		return models.RoomMetadata{}, err
	}
	if !c.owns(room) {
		return models.RoomMetadata{}, ErrNotCreator
	}
	room.Locked = locked
	if err := h.store.SaveRoom(ctx, room); err != nil {
		return models.RoomMetadata{}, err
	}

	event := models.RoomUnlocked
	if locked {
		event = models.RoomLocked
	}
	members, _ := h.store.Members(ctx, roomID)
	h.broadcastRoomChange(roomID, models.RoomChange{Event: event, ClientID: c.ID, Room: room, Members: members}, c.ID)
	return room, nil
}

// CloseRoom tells every member the room is gone, empties it and deletes it
// from the store.
func (h *Hub) CloseRoom(ctx context.Context, roomID string) error {
	room, err := h.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	h.broadcastRoomChange(roomID, models.RoomChange{Event: models.RoomClosed, Room: room}, "")

	h.mu.Lock()
	if live, ok := h.rooms[roomID]; ok {
		for _, member := range live.members {
			member.roomID = ""
		}
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()

	if err := h.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	h.log.WithField("room", roomID).Info("Room closed")
	return nil
}

func (h *Hub) handleTopology(c *Client, env models.Envelope) (any, error) {
	var (
		identity  string
		neighbors []string
		announce  bool
	)
	switch env.Cmd {
	case models.CmdAnnounce:
		var req models.TopologyAnnounce
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		identity, announce = req.Identity, true
	case models.CmdConnections:
		var req models.TopologyConnections
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		identity, neighbors = req.Identity, req.Neighbors
	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownCommand, env.Type, env.Cmd)
	}

	id, err := peerid.Parse(identity)
	if err != nil {
		return nil, err
	}
	if id.Owner != c.ID {
		return nil, ErrForeignIdentity
	}

	h.mu.Lock()
	live, ok := h.rooms[c.roomID]
	if !ok {
		h.mu.Unlock()
		return nil, ErrNotInRoom
	}
	if announce {
		// A new identity is offered a link to everyone already announced.
		neighbors = live.graph.IDs()
	}
	live.graph.UpdateNodeConnections(identity, neighbors)
	roomID := live.id
	h.mu.Unlock()

	c.log.WithFields(logrus.Fields{"identity": identity, "neighbors": len(neighbors)}).Debug("Topology updated")
	return h.broadcastTopology(roomID), nil
}

// Topology returns the current topology of an active room.
func (h *Hub) Topology(roomID string) (models.TopologyUpdate, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	live, ok := h.rooms[roomID]
	if !ok {
		return models.TopologyUpdate{}, false
	}
	return topologyUpdate(live), true
}

func topologyUpdate(live *liveRoom) models.TopologyUpdate {
	return models.TopologyUpdate{
		Room:  live.id,
		Nodes: live.graph.IDs(),
		Paths: live.graph.DecomposeIntoPaths(),
	}
}

func (h *Hub) broadcastTopology(roomID string) models.TopologyUpdate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	live, ok := h.rooms[roomID]
	if !ok {
		return models.TopologyUpdate{Room: roomID}
	}
	update := topologyUpdate(live)
	env, err := models.NewEnvelope(models.TypeTopology, models.CmdUpdate, update)
	if err != nil {
		h.log.WithError(err).Error("Failed to encode topology update")
		return update
	}
	for _, member := range live.members {
		member.sendEnvelope(env)
	}
	return update
}

func (h *Hub) broadcastRoomChange(roomID string, change models.RoomChange, exclude string) {
	env, err := models.NewEnvelope(models.TypeRoomChange, change.Event, change)
	if err != nil {
		h.log.WithError(err).Error("Failed to encode room change")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	live, ok := h.rooms[roomID]
	if !ok {
		return
	}
	for id, member := range live.members {
		if id != exclude {
			member.sendEnvelope(env)
		}
	}
}

// relay forwards peer-to-peer traffic to the client owning env.Target, or to
// every other member of the room when no target is set.
func (h *Hub) relay(c *Client, env models.Envelope) {
	if peerid.OwnerOf(env.Source) != c.ID {
		env.Source = c.ID
	}
	log := c.log.WithFields(logrus.Fields{"type": env.Type, "target": env.Target})

	h.mu.RLock()
	defer h.mu.RUnlock()
	live, ok := h.rooms[c.roomID]
	if !ok {
		log.Warn("Dropping relay message from client outside any room")
		return
	}

	if env.Target == "" {
		for id, member := range live.members {
			if id != c.ID {
				member.sendEnvelope(env)
			}
		}
		return
	}

	target, ok := live.members[peerid.OwnerOf(env.Target)]
	if !ok {
		log.Warn("Target not found in room")
		return
	}
	target.sendEnvelope(env)
}
