package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/agenthands/ddcstore/pkg/cidutil"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/transform"
	"github.com/spf13/cobra"
)

var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Store and fetch blobs",
}

var blobPutCmd = &cobra.Command{
	Use:   "put <namespace> <file|->",
	Short: "Store a blob",
	Long:  "Store a file as a blob and print its id. With --compress the file is stored as a compressed buffer addressed by its content id.",
	Args:  cobra.ExactArgs(2),
	RunE:  runBlobPut,
}

var blobGetCmd = &cobra.Command{
	Use:   "get <namespace> <id>",
	Short: "Fetch a blob",
	Long:  "Write a blob to stdout or --output. With --content-id the id is resolved through the content id map and compressed buffers are decoded.",
	Args:  cobra.ExactArgs(2),
	RunE:  runBlobGet,
}

func init() {
	blobPutCmd.Flags().Bool("compress", false, "store as a compressed buffer using the configured transform")
	blobGetCmd.Flags().Bool("content-id", false, "treat the id as a content id")
	blobGetCmd.Flags().StringP("output", "o", "", "output file (default stdout)")

	blobCmd.AddCommand(blobPutCmd, blobGetCmd)
	rootCmd.AddCommand(blobCmd)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func runBlobPut(cmd *cobra.Command, args []string) (err error) {
	ns, err := core.NewNamespaceID(args[0])
	if err != nil {
		return err
	}
	data, err := readInput(args[1])
	if err != nil {
		return err
	}

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

	if compress, _ := cmd.Flags().GetBool("compress"); compress {
		tr, err := transform.New(store.Config().Transform)
		if err != nil {
			return err
		}
		envelope, err := tr.Encode(data)
		if err != nil {
			return err
		}
		id := cidutil.ContentIDOf(data)
		blob, err := store.Blobs().PutCompressed(ctx, ns, envelope, id)
		if err != nil {
			return err
		}
		fmt.Printf("content id:\t%s\nblob:\t%s\n", id, blob)
		return nil
	}

	blob, err := store.Blobs().Put(ctx, ns, data, core.BlobID{})
	if err != nil {
		return err
	}
	fmt.Println(blob)
	return nil
}

func runBlobGet(cmd *cobra.Command, args []string) (err error) {
	ns, err := core.NewNamespaceID(args[0])
	if err != nil {
		return err
	}
	byContentID, _ := cmd.Flags().GetBool("content-id")

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

	var data []byte
	if byContentID {
		id, err := core.ParseContentID(args[1])
		if err != nil {
			return err
		}
		c, err := store.Blobs().GetCompressed(ctx, ns, id)
		if err != nil {
			return err
		}
		data = c.Data
		if c.Compressed {
			if data, err = transform.Decode(c.Data); err != nil {
				return err
			}
		}
	} else {
		id, err := core.ParseBlobID(args[1])
		if err != nil {
			return err
		}
		c, err := store.Blobs().Get(ctx, ns, id)
		if err != nil {
			return err
		}
		data = c.Data
	}

	if out, _ := cmd.Flags().GetString("output"); out != "" {
		return os.WriteFile(out, data, 0o644)
	}
	_, err = os.Stdout.Write(data)
	return err
}
