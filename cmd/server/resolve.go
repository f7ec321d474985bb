package main

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/christopherjohns/zonechat/internal/config"
	"github.com/christopherjohns/zonechat/internal/zone"
)

var resolveLon, resolveLat float64

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a coordinate to a zone",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("lon") || !cmd.Flags().Changed("lat") {
			return eris.Wrap(zone.ErrInvalidInput, "--lon and --lat are required")
		}
		return runResolve(cmd.OutOrStdout(), cfg, resolveLon, resolveLat)
	},
}

func runResolve(w io.Writer, c *config.Config, lon, lat float64) error {
	p, err := zone.NewPoint(lon, lat)
	if err != nil {
		return err
	}
	set, err := loadZones(c)
	if err != nil {
		return eris.Wrap(err, "load zones")
	}
	res, err := zone.NewResolver(set).Resolve(p)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the valid room ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRooms(cmd.OutOrStdout(), cfg)
	},
}

func runRooms(w io.Writer, c *config.Config) error {
	set, err := loadZones(c)
	if err != nil {
		return eris.Wrap(err, "load zones")
	}
	for _, def := range roomDefinitions(c, set) {
		if _, err := io.WriteString(w, def.ID+"\t"+string(def.Kind)+"\t"+def.Name+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	resolveCmd.Flags().Float64Var(&resolveLon, "lon", 0, "longitude in decimal degrees")
	resolveCmd.Flags().Float64Var(&resolveLat, "lat", 0, "latitude in decimal degrees")
	rootCmd.AddCommand(resolveCmd, roomsCmd)
}
