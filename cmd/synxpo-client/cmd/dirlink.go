package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/synxpo/synxpo/internal/cli/prompt"
	"github.com/synxpo/synxpo/internal/config"
	"github.com/synxpo/synxpo/internal/wire"
)

var dirLinkCmd = &cobra.Command{
	Use:   "dir-link [path]",
	Short: "Link a new local directory for the server to mint an id for",
	Long: `dir-link registers a local directory as a new SynXpo-synced
directory. If path is omitted, an interactive prompt asks for one.

The directory id is minted by the server the next time "synxpo-client sync"
runs; dir-link only records the local path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDirLink,
}

func init() {
	rootCmd.AddCommand(dirLinkCmd)
}

func runDirLink(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		p, err := prompt.InputRequired("Local directory path to sync")
		if err != nil {
			return err
		}
		path = p
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	cfg, err := loadOrInitConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, d := range cfg.Directories {
		if d.LocalPath == path {
			return fmt.Errorf("%s is already linked (directory id %s)", path, d.DirectoryID)
		}
	}
	cfg.Directories = append(cfg.Directories, config.DirectoryConfig{LocalPath: path, Enabled: true})
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("Linked %s. Run \"synxpo-client sync\" to mint a directory id and start syncing.\n", path)
	return nil
}

// dialForOneShot opens a short-lived connection for a single request/reply,
// used by commands that don't want to start the full sync engine.
func dialForOneShot(ctx context.Context, cfg config.Config) (wire.Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL(cfg.ServerAddress), nil)
	if err != nil {
		return nil, err
	}
	return wire.NewWebSocketTransport(conn), nil
}
