package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"fleet-monitor/aggregator/internal/domain"
)

func newAssetsCommand(ctx context.Context) *cobra.Command {
	var server string
	var faults bool

	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Print the assets tracked by a running aggregator",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := resty.New().
				SetBaseURL(server).
				SetTimeout(10 * time.Second).
				SetRetryCount(2).
				SetHeader("Accept", "application/json")

			if faults {
				var active []domain.ActiveFault
				if err := get(ctx, client, "/api/faults/active", &active); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), FaultTable(active))
				return nil
			}

			var assets []domain.AssetState
			if err := get(ctx, client, "/api/state", &assets); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), AssetTable(assets))
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "aggregator base URL")
	cmd.Flags().BoolVar(&faults, "faults", false, "list active faults instead of assets")
	return cmd
}

func get(ctx context.Context, client *resty.Client, path string, out interface{}) error {
	resp, err := client.R().SetContext(ctx).SetResult(out).Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: %s", path, resp.Status())
	}
	return nil
}

func AssetTable(assets []domain.AssetState) *uitable.Table {
	t := uitable.New()
	t.MaxColWidth = 40
	t.AddRow("ID", "VIN", "LAT", "LON", "SPEED MPH", "CRIT", "WARN", "ACTIVE", "UPDATED")
	for _, a := range assets {
		loc := a.LastLocation
		t.AddRow(
			a.Identity.PrimaryID,
			a.Identity.VIN,
			num(loc.Lat),
			num(loc.Lon),
			num(loc.SpeedMph),
			a.LastFaultSnapshot.Counts.Critical,
			a.LastFaultSnapshot.Counts.Warning,
			len(a.LastFaultSnapshot.ActiveFaults),
			a.LastUpdateTimestamp.Format(time.RFC3339),
		)
	}
	return t
}

func FaultTable(faults []domain.ActiveFault) *uitable.Table {
	t := uitable.New()
	t.MaxColWidth = 50
	t.AddRow("ASSET", "CODE", "SEVERITY", "DESCRIPTION", "TIME")
	for _, f := range faults {
		t.AddRow(f.AssetID, f.Code, string(f.Severity), f.Description, f.Time.Format(time.RFC3339))
	}
	return t
}

func num(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}
