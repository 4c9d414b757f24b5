package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/LeJamon/trustrelay/internal/config"
	"github.com/LeJamon/trustrelay/internal/storage"
	"github.com/LeJamon/trustrelay/internal/storage/snapshot"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var (
	snapshotNetwork string
	snapshotBlock   uint64
	exportOut       string
	exportFormat    string
	inspectRecords  bool
)

// snapshotCmd represents the snapshot command group
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and export stored graph checkpoints",
	Long: `Read the checkpoints relayd keeps in the configured storage backend.

--block selects a checkpoint; without it the newest one is used.`,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the checkpoints of a network",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, network, err := openSnapshotStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		infos, err := store.List(cmd.Context(), network)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), infos)
	},
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show a checkpoint and verify its state hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, network, err := openSnapshotStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		s, err := loadSnapshot(cmd, store, network)
		if err != nil {
			return err
		}

		report := struct {
			snapshot.Info
			Format   uint8       `json:"format"`
			Verified bool        `json:"verified"`
			Error    string      `json:"error,omitempty"`
			Records  interface{} `json:"records,omitempty"`
		}{Info: s.Info(), Format: s.Format}
		if _, err := s.Graph(); err != nil {
			report.Error = err.Error()
		} else {
			report.Verified = true
		}
		if inspectRecords {
			report.Records = s.Records
		}
		return writeJSON(cmd.OutOrStdout(), report)
	},
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a checkpoint to a file",
	Long: `Write a checkpoint to --out (stdout by default).

The cbor format is the stored encoding: canonical CBOR framed by the
configured compressor. The json format is meant for reading.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		codec, err := snapshot.NewCodec(cfg.Storage.Compressor)
		if err != nil {
			return err
		}
		store, network, err := openSnapshotStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		s, err := loadSnapshot(cmd, store, network)
		if err != nil {
			return err
		}
		if _, err := s.Graph(); err != nil {
			return fmt.Errorf("refusing to export block %d: %w", s.Block, err)
		}

		out := cmd.OutOrStdout()
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		switch exportFormat {
		case "json":
			return writeJSON(out, s)
		case "cbor":
			data, err := codec.Encode(s)
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		default:
			return fmt.Errorf("unknown format %q, want cbor or json", exportFormat)
		}
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotListCmd, snapshotInspectCmd, snapshotExportCmd)

	snapshotCmd.PersistentFlags().StringVar(&snapshotNetwork, "network", "", "network contract address (default: the only configured network)")
	snapshotInspectCmd.Flags().Uint64Var(&snapshotBlock, "block", 0, "checkpoint block (default: newest)")
	snapshotInspectCmd.Flags().BoolVar(&inspectRecords, "records", false, "include the trustline records")
	snapshotExportCmd.Flags().Uint64Var(&snapshotBlock, "block", 0, "checkpoint block (default: newest)")
	snapshotExportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default: stdout)")
	snapshotExportCmd.Flags().StringVar(&exportFormat, "format", "cbor", "output format: cbor or json")
}

// openSnapshotStore opens the configured store and resolves --network.
func openSnapshotStore(cmd *cobra.Command) (snapshot.Store, common.Address, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, common.Address{}, err
	}
	network, err := resolveNetwork(cfg, snapshotNetwork)
	if err != nil {
		return nil, common.Address{}, err
	}
	if cfg.Storage.Backend == config.BackendNone || cfg.Storage.Backend == config.BackendMemory {
		return nil, common.Address{}, fmt.Errorf("storage backend %q keeps no checkpoints on disk", cfg.Storage.Backend)
	}
	store, err := storage.OpenCheckpoints(cmd.Context(), cfg.Storage)
	if err != nil {
		return nil, common.Address{}, err
	}
	return store, network, nil
}

func resolveNetwork(cfg *config.Config, flag string) (common.Address, error) {
	if flag != "" {
		if !common.IsHexAddress(flag) {
			return common.Address{}, fmt.Errorf("invalid network address %q", flag)
		}
		return common.HexToAddress(flag), nil
	}
	if len(cfg.Networks) != 1 {
		return common.Address{}, errors.New("--network is required unless exactly one network is configured")
	}
	return cfg.Networks[0].Addr(), nil
}

func loadSnapshot(cmd *cobra.Command, store snapshot.Store, network common.Address) (*snapshot.Snapshot, error) {
	var (
		s   *snapshot.Snapshot
		err error
	)
	if snapshotBlock == 0 {
		s, err = store.Latest(cmd.Context(), network)
	} else {
		s, err = store.Load(cmd.Context(), network, snapshotBlock)
	}
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, fmt.Errorf("no checkpoint of network %s: %w", network.Hex(), err)
	}
	return s, err
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
