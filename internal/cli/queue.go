package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gridshare/gridshare/internal/domain"
)

func init() {
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Summarize the dispatcher's shared-memory job queue",
	RunE:  runQueue,
}

func runQueue(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	occ, err := d.Feeder.QueueOccupancy(cmd.Context())
	if err != nil {
		return err
	}

	occupied := occ.Occupied()
	fmt.Printf("slots: %d, occupied: %d, empty: %d\n", occ.Capacity, occupied, occ.Capacity-occupied)
	if occupied == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tSLOTS\tSHARE")
	for _, class := range domain.SortedKeys(occ.Counts) {
		fmt.Fprintf(w, "%s\t%d\t%s\n", class, occ.Counts[class], percent(occ.Share(class)))
	}
	return w.Flush()
}
