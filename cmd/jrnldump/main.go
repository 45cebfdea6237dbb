// Command jrnldump walks a journal directory and prints the opcode,
// opversion and size of every record it contains, without constructing
// or applying any Operation. It exists for operators who need to
// inspect a journal's shape without the application that wrote it.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/andreyvit/sealer"
	"github.com/coredbx/jrnl"
	"github.com/coredbx/jrnl/filestorage"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var base string
	var verbose bool
	var archive string
	var archiveKeyID string
	var archiveKey string

	cmd := &cobra.Command{
		Use:   "jrnldump <dir>",
		Short: "Dump the record stream of a jrnl journal directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: levelFor(verbose),
			}))
			if archive != "" {
				key, err := parseArchiveKey(archiveKeyID, archiveKey)
				if err != nil {
					return err
				}
				return dumpArchived(cmd.OutOrStdout(), logger, args[0], base, archive, key)
			}
			return dump(cmd.OutOrStdout(), logger, args[0], base)
		},
	}
	cmd.Flags().StringVar(&base, "base", "journal", "journal base name within dir")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().StringVar(&archive, "archive", "", "name of a sealed segment under <base>-archive/ to dump instead of the live chain")
	cmd.Flags().StringVar(&archiveKeyID, "archive-key-id", "", "hex-encoded sealer key ID, required with --archive")
	cmd.Flags().StringVar(&archiveKey, "archive-key", "", "hex-encoded sealer key, required with --archive")
	return cmd
}

func parseArchiveKey(idHex, keyHex string) (*sealer.Key, error) {
	idBytes, err := hex.DecodeString(idHex)
	if err != nil {
		return nil, fmt.Errorf("decode --archive-key-id: %w", err)
	}
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode --archive-key: %w", err)
	}
	key := &sealer.Key{}
	copy(key.ID[:], idBytes)
	copy(key.Key[:], keyBytes)
	return key, nil
}

func levelFor(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func dump(w io.Writer, logger *slog.Logger, dir, base string) error {
	fs, err := filestorage.Open(dir, base, filestorage.Options{})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer fs.Close()

	port := jrnl.NewPort(fs)
	logger.Info("dumping journal", "dir", dir, "base", base, "generation", int64(fs.Generation()))

	var count int
	for {
		rec, ok, err := port.Skip()
		if err != nil {
			return fmt.Errorf("skip record %d: %w", count, err)
		}
		if !ok {
			break
		}
		fmt.Fprintf(w, "#%d opcode=%d opversion=%d size=%d\n", count, rec.Opcode, rec.OpVersion, rec.Size)
		count++
	}
	logger.Info("done", "records", count)
	return nil
}

// dumpArchived dumps a single sealed segment from dir's archive
// directory instead of the live chain, for inspecting a generation
// whose segments were archived rather than deleted on checkpoint.
func dumpArchived(w io.Writer, logger *slog.Logger, dir, base, name string, key *sealer.Key) error {
	logger.Info("dumping archived segment", "dir", dir, "base", base, "name", name)
	var count int
	err := filestorage.ReadArchivedSegment(dir, base, key, name, func(opcode jrnl.Opcode, opversion jrnl.OpVersion, body []byte) error {
		fmt.Fprintf(w, "#%d opcode=%d opversion=%d size=%d\n", count, opcode, opversion, len(body))
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("read archived segment %s: %w", name, err)
	}
	logger.Info("done", "records", count)
	return nil
}
