package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/agenthands/ddcstore/pkg/cbobject"
	"github.com/agenthands/ddcstore/pkg/core"
	"github.com/agenthands/ddcstore/pkg/ddc"
	"github.com/agenthands/ddcstore/pkg/refs"
	"github.com/spf13/cobra"
)

var refCmd = &cobra.Command{
	Use:   "ref",
	Short: "Inspect and manage refs",
}

var refPutCmd = &cobra.Command{
	Use:   "put <namespace> <bucket> <key> <file|->",
	Short: "Put a ref",
	Long:  "Put a ref from a compact binary, JSON or octet payload and print what it still needs. The ref stays pending until finalized.",
	Args:  cobra.ExactArgs(4),
	RunE:  runRefPut,
}

var refGetCmd = &cobra.Command{
	Use:   "get <namespace> <bucket> <key>",
	Short: "Print a finalized ref as JSON",
	Args:  cobra.ExactArgs(3),
	RunE:  runRefGet,
}

var refFinalizeCmd = &cobra.Command{
	Use:   "finalize <namespace> <bucket> <key> <hash>",
	Short: "Finalize a pending ref",
	Args:  cobra.ExactArgs(4),
	RunE:  runRefFinalize,
}

var refDeleteCmd = &cobra.Command{
	Use:   "delete <namespace> <bucket> [key]",
	Short: "Delete a ref, or a whole bucket when no key is given",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runRefDelete,
}

func init() {
	refPutCmd.Flags().String("content-type", cbobject.MediaTypeCompactBinary, "payload media type")
	refPutCmd.Flags().Bool("overwrite", false, "replace a finalized ref with a different object")

	refCmd.AddCommand(refPutCmd, refGetCmd, refFinalizeCmd, refDeleteCmd)
	rootCmd.AddCommand(refCmd)
}

func parseRef(args []string) (core.NamespaceID, core.BucketID, core.RefID, error) {
	ns, err := core.NewNamespaceID(args[0])
	if err != nil {
		return "", "", "", err
	}
	bucket, err := core.NewBucketID(args[1])
	if err != nil {
		return "", "", "", err
	}
	key, err := core.NewRefID(args[2])
	return ns, bucket, key, err
}

// withStore opens the store for the duration of fn.
func withStore(fn func(ctx context.Context, store ddc.Store) error) (err error) {
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
	return fn(ctx, store)
}

func printNeeds(needs core.Needs) error {
	if needs == nil {
		needs = core.Needs{}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"needs": needs})
}

func runRefPut(cmd *cobra.Command, args []string) error {
	ns, bucket, key, err := parseRef(args)
	if err != nil {
		return err
	}
	data, err := readInput(args[3])
	if err != nil {
		return err
	}
	contentType, _ := cmd.Flags().GetString("content-type")
	kind, err := cbobject.ParsePutPayloadKind(contentType)
	if err != nil {
		return err
	}
	conv, err := cbobject.ToObject(kind, data)
	if err != nil {
		return err
	}
	overwrite, _ := cmd.Flags().GetBool("overwrite")

	return withStore(func(ctx context.Context, store ddc.Store) error {
		if conv.Blob != nil {
			if _, err := store.Blobs().Put(ctx, ns, conv.Blob, conv.BlobID); err != nil {
				return err
			}
		}
		needs, err := store.Refs().Put(ctx, ns, bucket, key, conv.Object.Hash(), conv.Object, refs.PutOptions{AllowOverwrite: overwrite})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "hash: %s\n", conv.Object.Hash())
		return printNeeds(needs)
	})
}

func runRefGet(cmd *cobra.Command, args []string) error {
	ns, bucket, key, err := parseRef(args)
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, store ddc.Store) error {
		ref, err := store.Refs().Get(ctx, ns, bucket, key, refs.GetOptions{})
		if err != nil {
			return err
		}
		obj, err := ref.Object()
		if err != nil {
			return err
		}
		data, err := cbobject.ToJSON(obj)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	})
}

func runRefFinalize(cmd *cobra.Command, args []string) error {
	ns, bucket, key, err := parseRef(args)
	if err != nil {
		return err
	}
	hash, err := core.ParseBlobID(args[3])
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, store ddc.Store) error {
		needs, err := store.Refs().Finalize(ctx, ns, bucket, key, hash)
		if err != nil {
			return err
		}
		return printNeeds(needs)
	})
}

func runRefDelete(cmd *cobra.Command, args []string) error {
	if len(args) == 2 {
		args = append(args, "")
	}
	ns, err := core.NewNamespaceID(args[0])
	if err != nil {
		return err
	}
	bucket, err := core.NewBucketID(args[1])
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, store ddc.Store) error {
		if args[2] == "" {
			n, err := store.Refs().DeleteBucket(ctx, ns, bucket)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d refs\n", n)
			return nil
		}
		key, err := core.NewRefID(args[2])
		if err != nil {
			return err
		}
		ok, err := store.Refs().Delete(ctx, ns, bucket, key)
		if err != nil {
			return err
		}
		if !ok {
			return &core.RefNotFoundError{Namespace: ns, Bucket: bucket, Key: key}
		}
		fmt.Println("deleted")
		return nil
	})
}
