package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/direct-connect/dcpp-engine/adc"
	"github.com/direct-connect/dcpp-engine/metrics"
	"github.com/direct-connect/dcpp-engine/nmdc"
	"github.com/direct-connect/dcpp-engine/session"
)

var connectCmd = &cobra.Command{
	Use:   "connect <hub-url>",
	Short: "connect to a hub and stay online",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := readConfig(true)
		if err != nil {
			return err
		}
		fDebug, _ := cmd.Flags().GetBool("debug")
		if fDebug {
			adc.Debug = true
			nmdc.Debug = true
			session.Debug = true
		}
		if conf.Metrics.Addr != "" {
			go serveMetrics(conf.Metrics.Addr)
		}

		a, err := newApp(conf)
		if err != nil {
			return err
		}

		hub, err := dialHub(context.Background(), a, conf, args[0])
		if err != nil {
			return err
		}
		fmt.Println("connected to", hub.URL())

		tickCtx, stopTick := context.WithCancel(context.Background())
		go runPeerTick(tickCtx, a)

		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		fmt.Println("disconnecting")
		stopTick()
		hub.Shutdown()
		return nil
	},
}

// runPeerTick drives the peer manager's per-second CQI pass (spec §4.G)
// for as long as the process stays connected.
func runPeerTick(ctx context.Context, a *app) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			a.peers.Tick(ctx, now, a)
		}
	}
}

func init() {
	connectCmd.Flags().Bool("debug", false, "print protocol logs to stderr")
}

func serveMetrics(addr string) {
	fmt.Println("serving metrics on", addr)
	if err := metrics.Serve(addr); err != nil {
		fmt.Println("cannot serve metrics:", err)
	}
}
