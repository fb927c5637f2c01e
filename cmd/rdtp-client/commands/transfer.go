package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mrcgq/rdtp/internal/handler"
	"github.com/mrcgq/rdtp/internal/protocol"
	"github.com/mrcgq/rdtp/internal/storage"
)

var (
	remoteName string
	outputDir  string
)

func init() {
	uploadCmd.Flags().StringVarP(&remoteName, "name", "n", "", "name to store the file under, defaults to the local base name")
	downloadCmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory to write the downloaded file into")

	RootCmd.AddCommand(
		uploadCmd,
		downloadCmd,
	)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Uploads a local file to the server",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		os.Exit(runTransfer("", func(ctx context.Context, c *handler.Client) *handler.Result {
			return c.Upload(ctx, args[0], remoteName)
		}))
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <name>",
	Short: "Downloads a file from the server into the output directory",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		os.Exit(runTransfer(outputDir, func(ctx context.Context, c *handler.Client) *handler.Result {
			return c.Download(ctx, args[0])
		}))
	},
}

// runTransfer performs one operation and returns the process exit code.
func runTransfer(output string, op func(ctx context.Context, c *handler.Client) *handler.Result) int {
	dialCtx, cancelDial := context.WithTimeout(context.Background(), dialTimeout)
	s, err := openSession(dialCtx, output)
	cancelDial()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeForSetup(err)
	}
	defer s.close()

	ctx, cancel := s.transferContext()
	defer cancel()

	res := op(ctx, s.client)
	printResult(res)
	return exitCode(res)
}

func printResult(r *handler.Result) {
	if !r.OK {
		fmt.Fprintf(os.Stderr, "%s %s failed: %s (%v)\n", r.Op, r.Filename, r.Kind, r.Err)
		return
	}

	fmt.Printf("%s %s: %d bytes in %v\n", r.Op, r.Filename, r.Bytes, r.Duration)
	if len(r.Digest) > 0 {
		fmt.Printf("blake2b-256 %s\n", storage.DigestHex(r.Digest))
	}
	if r.Stats.Retransmitted > 0 {
		fmt.Printf("retransmitted %d segments (%d timeout, %d fast), srtt %v\n",
			r.Stats.Retransmitted, r.Stats.TimeoutRetransmits, r.Stats.FastRetransmits, r.Stats.SRTT)
	}
}

// exitCodeForSetup maps failures that happen before any transfer starts.
func exitCodeForSetup(err error) int {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return exitCodeForKind(pe.Kind)
	}
	return exitUsage
}
