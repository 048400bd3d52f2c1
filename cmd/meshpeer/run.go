package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/mesh"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peerid"
	"github.com/mossy-p/webrtc-mesh/internal/presence"
	"github.com/mossy-p/webrtc-mesh/internal/topology"
)

const leaveTimeout = 3 * time.Second

type chatLine struct {
	Text string `json:"text"`
}

// topologyFor extracts the ordered list self belongs to. Servers that send no
// paths fall back to the node order.
func topologyFor(update models.TopologyUpdate, self string) topology.List {
	if path := topology.PathOf(update.Paths, self); path != nil {
		return topology.List(slices.Clone(path))
	}
	if slices.Contains(update.Nodes, self) {
		return topology.List(slices.Clone(update.Nodes))
	}
	return nil
}

func runMesh(ctx context.Context, cfg *config.MeshConfig, logger *logrus.Logger, client *presence.Client, state models.RoomState) error {
	self := peerid.NewMesh(client.ClientID())
	log := logger.WithFields(logrus.Fields{"room": state.Room.ID, "self": self.String()})

	coord := mesh.NewCoordinator(mesh.Options{
		Self: self,
		Room: state.Room.ID,
		Factory: mesh.NewPionFactory(mesh.PionConfig{
			ICEServers:          []webrtc.ICEServer{{URLs: cfg.ICEServers()}},
			DisconnectedTimeout: cfg.DisconnectGrace,
		}),
		Relay:             client,
		Bus:               client.Bus(),
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DisconnectGrace:   cfg.DisconnectGrace,
	})
	client.OnRelay(coord.HandleMessage)

	// The coordinator outlives ctx so Quit can still reach it on shutdown.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go coord.Run(runCtx)

	// Bus handlers run on the publisher's goroutine, so anything that blocks
	// is handed to the loop below.
	updates := mesh.NewMailbox[models.TopologyUpdate]()
	defer updates.Close()
	bus := client.Bus()
	unsubs := []func(){
		bus.Subscribe(presence.EventTopology, func(p any) {
			if u, ok := p.(models.TopologyUpdate); ok {
				updates.Put(u)
			}
		}),
		bus.Subscribe(mesh.EventMeshReady, func(any) {
			log.Info("Mesh ready, moving signaling onto peers")
			coord.EnterMeshMode()
		}),
		bus.Subscribe(mesh.EventSwitchToP2P, func(any) {
			// The relay stays attached: peers that join later still offer
			// through it, and answers to them fall back to it.
			log.Info("Signaling with connected peers now runs over the mesh")
		}),
		bus.Subscribe(mesh.EventMeshComplete, func(any) {
			go func() {
				if _, err := client.ReportConnections(runCtx, self.String(), coord.Peers()); err != nil {
					log.WithError(err).Warn("Failed to report connections")
				}
			}()
		}),
		bus.Subscribe(mesh.EventMessage, func(p any) {
			in, ok := p.(mesh.Inbound)
			if !ok {
				return
			}
			var line chatLine
			if err := in.Envelope.Decode(&line); err != nil || line.Text == "" {
				return
			}
			fmt.Printf("[%s] %s\n", in.Peer, line.Text)
		}),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	update, err := client.Announce(ctx, self.String())
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	updates.Put(update)
	log.WithField("members", len(state.Members)).Info("Joined room")

	go readStdin(runCtx, coord, log)

	go func() {
		for {
			u, ok := updates.Receive(runCtx)
			if !ok {
				return
			}
			applyTopology(runCtx, coord, self.String(), u, log)
		}
	}()

	select {
	case <-ctx.Done():
	case <-client.Done():
		if err := client.Err(); err != nil {
			log.WithError(err).Error("Relay connection lost")
		}
	}

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer leaveCancel()
	if err := coord.Quit(leaveCtx); err != nil {
		log.WithError(err).Debug("Quit did not finish")
	}
	if err := client.LeaveRoom(leaveCtx); err != nil {
		log.WithError(err).Debug("Leave room failed")
	}
	return client.Err()
}

func applyTopology(ctx context.Context, coord *mesh.Coordinator, self string, u models.TopologyUpdate, log *logrus.Entry) {
	list := topologyFor(u, self)
	if list == nil {
		return
	}
	changed, err := coord.UpdateTopology(ctx, list)
	if err != nil || !changed {
		return
	}
	for _, peer := range list.Preceding(self) {
		go func(peer string) {
			if err := coord.AddPeer(ctx, peer); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("peer", peer).Warn("Failed to connect")
			}
		}(peer)
	}
}

func readStdin(ctx context.Context, coord *mesh.Coordinator, log *logrus.Entry) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		env, err := models.NewEnvelope(models.TypeMessage, "", chatLine{Text: text})
		if err != nil {
			continue
		}
		if err := coord.Broadcast(env); err != nil {
			log.WithError(err).Warn("Broadcast failed")
		}
	}
}
