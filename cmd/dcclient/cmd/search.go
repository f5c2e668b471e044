package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/direct-connect/dcpp-engine/share"
)

var searchCmd = &cobra.Command{
	Use:   "search <hub-url> <query...>",
	Short: "connect to a hub, broadcast one search, and print results for a few seconds",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := readConfig(true)
		if err != nil {
			return err
		}
		a, err := newApp(conf)
		if err != nil {
			return err
		}

		hub, err := dialHub(context.Background(), a, conf, args[0])
		if err != nil {
			return err
		}
		defer hub.Shutdown()

		crit := share.SearchCriteria{And: args[1:]}
		if strings.HasPrefix(args[1], "TTH:") {
			crit = share.SearchCriteria{TTH: strings.TrimPrefix(args[1], "TTH:")}
		}
		if err := hub.Search(crit); err != nil {
			return fmt.Errorf("search: %w", err)
		}
		fmt.Println("search sent, listening for results for 15s...")
		time.Sleep(15 * time.Second)
		return nil
	},
}
