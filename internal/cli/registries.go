package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/revocation"
)

var registriesCmd = &cobra.Command{
	Use:     "registries",
	Aliases: []string{"reg"},
	Short:   "Inspect revocation registries",
}

var registriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List revocation registries and their usage",
	Args:  cobra.NoArgs,
	Run:   runRegistriesList,
}

var (
	listCredDef string
	listState   string
)

func init() {
	registriesListCmd.Flags().StringVar(&listCredDef, "cred-def", "", "Only show registries of this credential definition")
	registriesListCmd.Flags().StringVar(&listState, "state", "", "Only show registries in this state (WAIT, FINISHED, FULL, DECOMMISSIONED)")

	registriesCmd.AddCommand(registriesListCmd)
}

func runRegistriesList(cmd *cobra.Command, _ []string) {
	c := initContext()
	defer c.Close()

	if err := listRegistries(cmd.Context(), os.Stdout, c.Profile, listCredDef, revocation.RegistryState(listState)); err != nil {
		exitError("failed to list registries: %v", err)
	}
}

func listRegistries(ctx context.Context, w io.Writer, p *profile.Profile, credDefID string, state revocation.RegistryState) error {
	defs, err := revocation.ReadRegistries(ctx, p, credDefID, state)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		fmt.Fprintln(w, "No registries")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGISTRY\tCRED DEF\tSTATE\tACTIVE\tISSUED\tPENDING")
	for _, def := range defs {
		issued, pending := "-", "-"
		l, err := revocation.ReadRevocationList(ctx, p, def.Key())
		switch {
		case err == nil:
			issued = fmt.Sprintf("%d/%d", l.NextIndex-1, def.MaxCredNum)
			pending = fmt.Sprint(len(l.Pending))
		case !rrerrors.IsNotFound(err):
			return err
		}

		active := ""
		if def.Active {
			active = green.Sprint("*")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(def.Key()), shortID(def.CredDefID), paintState(string(def.State)), active, issued, pending)
	}
	return tw.Flush()
}
