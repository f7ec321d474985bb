package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/christopherjohns/zonechat/internal/campus"
	"github.com/christopherjohns/zonechat/internal/config"
	"github.com/christopherjohns/zonechat/internal/room"
	"github.com/christopherjohns/zonechat/internal/zone"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "zonechat",
	Short:         "Location-aware campus chat rooms",
	Long:          "Resolves campus positions to zones and relays chat between zone and topic rooms over websockets.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// loadZones reads the configured zone file, or the embedded campus when
// none is set.
func loadZones(c *config.Config) (*zone.Set, error) {
	if c.Zones.Path == "" {
		return campus.Zones()
	}
	return zone.Load(c.Zones.Path)
}

// roomDefinitions builds the closed room enumeration for a zone set.
func roomDefinitions(c *config.Config, set *zone.Set) []room.Definition {
	return room.Definitions(set, c.Rooms.Topics)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
