package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/presence"
)

var (
	flagRelay     string
	flagToken     string
	flagSTUN      string
	flagHeartbeat string
	flagGrace     string
	flagTimeout   string
	flagLogLevel  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meshpeer",
	Short: "Join a room and build a WebRTC mesh with its members",
	Long: `meshpeer connects to a relay server, joins a room and negotiates direct
WebRTC links with the other members. Signaling starts on the relay and
moves onto the mesh once every link is up. Lines typed on stdin are
broadcast to every peer.`,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&flagRelay, "relay", "", "relay server websocket url (env RELAY_URL)")
	f.StringVar(&flagToken, "token", "", "JWT issued by the relay server (env RELAY_TOKEN)")
	f.StringVar(&flagSTUN, "stun", "", "STUN server url (env STUN_SERVER)")
	f.StringVar(&flagHeartbeat, "heartbeat", "", "liveness ping interval, negative disables (env HEARTBEAT_INTERVAL)")
	f.StringVar(&flagGrace, "grace", "", "how long a disconnected link may recover (env DISCONNECT_GRACE)")
	f.StringVar(&flagTimeout, "timeout", "", "relay request timeout (env REQUEST_TIMEOUT)")
	f.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")

	rootCmd.AddCommand(roomsCmd, createCmd, joinCmd)
}

func loadConfig() (*config.MeshConfig, *logrus.Logger, error) {
	cfg, err := config.LoadMesh(config.MeshOptions{
		RelayURL:          flagRelay,
		Token:             flagToken,
		STUNServer:        flagSTUN,
		HeartbeatInterval: flagHeartbeat,
		DisconnectGrace:   flagGrace,
		RequestTimeout:    flagTimeout,
		LogLevel:          flagLogLevel,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.LogLevel), nil
}

// connect loads the configuration and opens the relay connection.
func connect(ctx context.Context) (*config.MeshConfig, *logrus.Logger, *presence.Client, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	client := presence.New(presence.Options{
		URL:            cfg.RelayURL,
		Token:          cfg.Token,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, client, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
