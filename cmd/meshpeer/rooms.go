package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

var (
	flagName       string
	flagMaxPlayers int
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the rooms known to the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		rooms, err := client.ListRooms(cmd.Context())
		if err != nil {
			return err
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms")
			return nil
		}
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Code", "Name", "Players", "Locked"})
		for _, r := range rooms {
			t.AppendRow(table.Row{r.Code, r.Name, fmt.Sprintf("%d/%d", r.PlayerCount, r.MaxPlayers), r.Locked})
		}
		t.Render()
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room, join it and run the mesh",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, logger, client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		created, err := client.CreateRoom(ctx, models.CreateRoomRequest{Name: flagName, MaxPlayers: flagMaxPlayers})
		if err != nil {
			return err
		}
		fmt.Printf("Room code: %s\n", created.Code)

		state, err := client.JoinRoom(ctx, models.RoomRef{RoomID: created.RoomID})
		if err != nil {
			return err
		}
		return runMesh(ctx, cfg, logger, client, state)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <code>",
	Short: "Join a room by code and run the mesh",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, logger, client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		state, err := client.JoinRoom(ctx, models.RoomRef{Code: args[0]})
		if err != nil {
			return err
		}
		return runMesh(ctx, cfg, logger, client, state)
	},
}

func init() {
	createCmd.Flags().StringVar(&flagName, "name", "", "room name")
	createCmd.Flags().IntVar(&flagMaxPlayers, "max", 0, "maximum number of members, 2 to 16")
}
