package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gridshare/gridshare/internal/domain"
)

func init() {
	rootCmd.AddCommand(weightsCmd)
}

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Show stored weights next to the dispatcher's loaded weights and queue",
	RunE:  runWeights,
}

func runWeights(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer d.Close()
	ctx := cmd.Context()

	stored, err := d.Store.CurrentWeights(ctx)
	if err != nil {
		return err
	}

	// The dispatcher side is informational; show what is reachable.
	loaded, ferr := d.Feeder.FeederWeights(ctx)
	if ferr != nil {
		fmt.Fprintf(os.Stderr, "warning: feeder weights unavailable: %v\n", ferr)
	}
	occ, qerr := d.Feeder.QueueOccupancy(ctx)
	if qerr != nil {
		fmt.Fprintf(os.Stderr, "warning: queue occupancy unavailable: %v\n", qerr)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tWEIGHT\tLOADED\tQUEUE SLOTS\tQUEUE SHARE")
	for _, class := range domain.SortedKeys(stored) {
		loadedCol := "-"
		if lw, ok := loaded[class]; ok {
			loadedCol = fmt.Sprintf("%.4f", lw)
		}
		slots, share := "-", "-"
		if n, known := occ.Count(class); known {
			slots = fmt.Sprintf("%d/%d", n, occ.Capacity)
			share = percent(occ.Share(class))
		}
		fmt.Fprintf(w, "%s\t%.4f\t%s\t%s\t%s\n", class, stored[class], loadedCol, slots, share)
	}
	return w.Flush()
}
