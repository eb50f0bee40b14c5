package standard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/hostagent/internal/cli/client"
)

func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and set up the server pool",
	}
	cmd.AddCommand(newPoolStatusCmd())
	cmd.AddCommand(newPoolSetupCmd())
	return cmd
}

func printPoolRecord(cmd *cobra.Command, rec *client.PoolRecord) error {
	if wantJSON(cmd) {
		return encodeAsJSON(cmd.OutOrStdout(), rec)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Role: %s\n", rec.Role)
	if rec.PoolAlias != "" {
		fmt.Fprintf(out, "Pool: %s\n", rec.PoolAlias)
	}
	if rec.VirtualIP != "" {
		fmt.Fprintf(out, "Virtual IP: %s\n", rec.VirtualIP)
	}
	if rec.Master != "" {
		fmt.Fprintf(out, "Master: %s\n", rec.Master)
	}
	if rec.OwnerID != "" {
		fmt.Fprintf(out, "Owner: %s\n", rec.OwnerID)
	}
	if len(rec.Members) > 0 {
		fmt.Fprintf(out, "Members: %s\n", strings.Join(rec.Members, ", "))
	}
	return nil
}

func newPoolStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the host's pool record",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			rec, err := api.Pool(ctx)
			if err != nil {
				return err
			}
			return printPoolRecord(cmd, rec)
		},
	}
}

func newPoolSetupCmd() *cobra.Command {
	var repo client.Repository
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Claim ownership, determine mastership and join or create the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			rec, err := api.SetupPool(ctx, repo)
			if err != nil {
				return err
			}
			return printPoolRecord(cmd, rec)
		},
	}
	cmd.Flags().StringVar(&repo.PoolAlias, "alias", "", "Pool alias (generated when empty)")
	cmd.Flags().StringVar(&repo.StorageType, "storage-type", "nfs", "Primary storage type")
	cmd.Flags().StringVar(&repo.Host, "storage-host", "", "Storage server host")
	cmd.Flags().StringVar(&repo.Path, "storage-path", "", "Export path on the storage server")
	cmd.Flags().StringVar(&repo.PrimaryStorageID, "storage-id", "", "Primary storage identifier")
	return cmd
}
