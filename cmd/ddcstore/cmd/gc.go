package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run one garbage collection pass",
	Long:  "Expire refs past their last-access cutoff, delete unreferenced blobs and compact pack files.",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()
	store, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	res, err := store.GC().RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("gc failed: %w", err)
	}
	fmt.Printf("refs deleted:\t%d\nblobs deleted:\t%d\npacks swept:\t%d\nblocks moved:\t%d\nbytes reclaimed:\t%d\n",
		res.RefsDeleted, res.BlobsDeleted, res.PacksSwept, res.BlocksMoved, res.BytesReclaimed)
	return nil
}
