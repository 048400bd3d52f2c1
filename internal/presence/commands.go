package presence

import (
	"context"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

func (c *Client) CreateRoom(ctx context.Context, req models.CreateRoomRequest) (models.CreateRoomResponse, error) {
	var resp models.CreateRoomResponse
	err := c.request(ctx, models.TypePresence, models.CmdCreateRoom, req, &resp)
	return resp, err
}

func (c *Client) ListRooms(ctx context.Context) ([]models.RoomMetadata, error) {
	var rooms []models.RoomMetadata
	err := c.request(ctx, models.TypePresence, models.CmdListRooms, nil, &rooms)
	return rooms, err
}

func (c *Client) FindRoomByCode(ctx context.Context, code string) (models.RoomMetadata, error) {
	var room models.RoomMetadata
	err := c.request(ctx, models.TypePresence, models.CmdFindRoomByCode, models.RoomRef{Code: code}, &room)
	return room, err
}

// JoinRoom enters the room named by ref, leaving the current one.
func (c *Client) JoinRoom(ctx context.Context, ref models.RoomRef) (models.RoomState, error) {
	var state models.RoomState
	err := c.request(ctx, models.TypePresence, models.CmdGetRoom, ref, &state)
	return state, err
}

// Lock stops new clients from joining the current room. Creator only.
func (c *Client) Lock(ctx context.Context) (models.RoomMetadata, error) {
	var room models.RoomMetadata
	err := c.request(ctx, models.TypePresence, models.CmdLock, nil, &room)
	return room, err
}

func (c *Client) Unlock(ctx context.Context) (models.RoomMetadata, error) {
	var room models.RoomMetadata
	err := c.request(ctx, models.TypePresence, models.CmdUnlock, nil, &room)
	return room, err
}

func (c *Client) LeaveRoom(ctx context.Context) error {
	return c.request(ctx, models.TypePresence, models.CmdLeaveRoom, nil, nil)
}

// CloseRoom removes every member and deletes the room. Creator only.
func (c *Client) CloseRoom(ctx context.Context) error {
	return c.request(ctx, models.TypePresence, models.CmdCloseRoom, nil, nil)
}

// Announce registers a mesh identity in the room topology. The server links
// it to every identity announced before.
func (c *Client) Announce(ctx context.Context, identity string) (models.TopologyUpdate, error) {
	var update models.TopologyUpdate
	err := c.request(ctx, models.TypeTopology, models.CmdAnnounce, models.TopologyAnnounce{Identity: identity}, &update)
	return update, err
}

// ReportConnections tells the server which peers identity holds live links with.
func (c *Client) ReportConnections(ctx context.Context, identity string, neighbors []string) (models.TopologyUpdate, error) {
	var update models.TopologyUpdate
	err := c.request(ctx, models.TypeTopology, models.CmdConnections,
		models.TopologyConnections{Identity: identity, Neighbors: neighbors}, &update)
	return update, err
}
