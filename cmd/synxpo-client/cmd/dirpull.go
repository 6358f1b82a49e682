package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/synxpo/synxpo/internal/config"
	"github.com/synxpo/synxpo/internal/wire"
)

var (
	dirPullPath string
	dirPullName string
)

var dirPullCmd = &cobra.Command{
	Use:   "dir-pull <directory-id>",
	Short: "Attach to an existing remote directory by id",
	Long: `dir-pull links a local path to a directory id someone else already
created on the server. Content is downloaded the next time "synxpo-client
sync" runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runDirPull,
}

func init() {
	dirPullCmd.Flags().StringVar(&dirPullPath, "path", "", "local path to sync into (default: ./<name or directory id>)")
	dirPullCmd.Flags().StringVar(&dirPullName, "name", "", "local folder name to create under the current directory")
	rootCmd.AddCommand(dirPullCmd)
}

func runDirPull(cmd *cobra.Command, args []string) error {
	dirID := args[0]

	cfg, err := loadOrInitConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, d := range cfg.Directories {
		if d.DirectoryID == dirID {
			return fmt.Errorf("directory %s is already linked at %s", dirID, d.LocalPath)
		}
	}

	localPath := dirPullPath
	if localPath == "" {
		name := dirPullName
		if name == "" {
			name = dirID
		}
		localPath = filepath.Join(".", name)
	}
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}

	if err := verifyDirectoryExists(cmd.Context(), cfg, dirID); err != nil {
		return err
	}

	cfg.Directories = append(cfg.Directories, config.DirectoryConfig{DirectoryID: dirID, LocalPath: localPath, Enabled: true})
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("Linked directory %s at %s. Run \"synxpo-client sync\" to download its contents.\n", dirID, localPath)
	return nil
}

// verifyDirectoryExists subscribes and immediately unsubscribes, purely to
// surface a DIRECTORY_NOT_FOUND error before the user waits for the full
// sync loop to discover it.
func verifyDirectoryExists(ctx context.Context, cfg config.Config, dirID string) error {
	tx, err := dialForOneShot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ServerAddress, err)
	}
	defer tx.Close()

	f, err := wire.NewFrame(wire.TypeDirectorySubscribe, wire.NewID(), wire.DirectorySubscribeRequest{DirectoryID: dirID})
	if err != nil {
		return err
	}
	if err := tx.Send(ctx, f); err != nil {
		return err
	}
	reply, err := tx.Recv(ctx)
	if err != nil {
		return err
	}
	if reply.Type == wire.TypeError {
		var em wire.ErrorMessage
		if decErr := reply.Decode(&em); decErr == nil {
			return fmt.Errorf("server rejected directory %s: %s", dirID, em.Message)
		}
	}
	return nil
}
