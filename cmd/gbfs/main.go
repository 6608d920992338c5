package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gbfs-go/internal/app"
	"gbfs-go/internal/config"
	"gbfs-go/internal/encryption"
	"gbfs-go/internal/gbfs"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults, after loading
// store secrets from the env file.
func loadConfig() (*config.Config, map[string]string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, nil, fmt.Errorf("getting defaults: %w", err)
	}

	if err := config.LoadEnvFile(defaults["env_file"]); err != nil {
		return nil, nil, err
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults, nil
}

// newApp reads the config and creates a GBFSApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "PutFile", "ListBuckets").
func newApp(ctx context.Context, operation string, args []string) (*app.GBFSApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewGBFSApp(ctx, cfg, operation, strings.Join(args, " "))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// unlock prompts for the key passphrase when reading files requires it.
func unlock(a *app.GBFSApp) error {
	if !a.NeedsPassphrase() {
		return nil
	}
	passphrase, err := readPassphrase("Passphrase: ")
	if err != nil {
		return err
	}
	if err := a.Unlock(passphrase); err != nil {
		return fmt.Errorf("unlocking key: %w", err)
	}
	return nil
}

func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:           "gbfs",
	Short:         "Encrypted chunked file storage over an entity store",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if storeType, _ := cmd.Flags().GetString("store"); storeType != "" {
			cfg.Store = config.StoreConfig{Type: storeType}
			if storeType == "filesystem" {
				cfg.Store.FSRoot = filepath.Join(defaults["base_dir"], "entities")
			}
		}
		if keyWrap, _ := cmd.Flags().GetString("key-wrap"); keyWrap != "" {
			cfg.Encryption.KeyWrap = keyWrap
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Printf("Store:    %s\n", cfg.Store.Type)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, defaults, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Store:      %s\n", cfg.Store.Type)
		fmt.Printf("Cipher:     %s\n", cfg.Encryption.Cipher)
		fmt.Printf("Key Wrap:   %s\n", cfg.Encryption.KeyWrap)
		fmt.Printf("Chunk Size: %d\n", cfg.Files.ChunkSize)
		fmt.Printf("Tracing:    %t\n", cfg.Tracing.Enabled)
		return nil
	},
}

// key command
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the key that protects file keys",
}

var keySetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate an age key pair protected by a passphrase",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		w := encryption.NewAgeKeyWrapper(cfg.Encryption)
		if w.IsConfigured() {
			return fmt.Errorf("key already exists at %s", cfg.Encryption.PublicKeyPath)
		}

		passphrase, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := w.Setup(passphrase); err != nil {
			return fmt.Errorf("setting up key: %w", err)
		}

		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		if cfg.Encryption.KeyWrap != encryption.AgeScheme {
			fmt.Printf("Set key_wrap = %q in the config to wrap new file keys.\n", encryption.AgeScheme)
		}
		return nil
	},
}

// bucket command
var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Manage buckets",
}

var bucketCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "CreateBucket", args)
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.CreateBucket(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Created bucket %s (%s)\n", b.Name, b.ID)
		return nil
	},
}

var bucketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List buckets",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListBuckets", args)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.ListBuckets(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No buckets.")
			return nil
		}

		for _, e := range entries {
			if !e.OK() {
				fmt.Printf("%s  [malformed: %v]\n", e.Key, e.Err)
				continue
			}
			fmt.Printf("%s  %s  %s\n", e.Value.ID, e.Value.CreatedAt.Format("2006-01-02 15:04:05"), e.Value.Name)
		}
		return nil
	},
}

var bucketRmCmd = &cobra.Command{
	Use:   "rm BUCKET",
	Short: "Delete a bucket record (files are kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "DeleteBucket", args)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.DeleteBucket(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Deleted bucket %s\n", id)
		return nil
	},
}

// file command
var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Manage files",
}

var filePutCmd = &cobra.Command{
	Use:   "put BUCKET PATH",
	Short: "Upload a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		a, err := newApp(cmd.Context(), "PutFile", args)
		if err != nil {
			return err
		}
		defer a.Close()

		meta, err := a.PutFile(cmd.Context(), args[0], args[1], name, overwrite)
		if err != nil {
			if gbfs.IsPartial(err) && meta != nil {
				fmt.Printf("Uploaded %s (%d bytes), but older versions could not be removed\n", meta.Name, meta.Size)
			}
			return err
		}
		fmt.Printf("Uploaded %s (%d bytes)\n", meta.Name, meta.Size)
		return nil
	},
}

var fileGetCmd = &cobra.Command{
	Use:   "get BUCKET NAME",
	Short: "Download a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")

		a, err := newApp(cmd.Context(), "GetFile", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlock(a); err != nil {
			return err
		}

		if out == "" || out == "-" {
			_, err := a.WriteFile(cmd.Context(), args[0], args[1], os.Stdout)
			return err
		}

		n, err := a.SaveFile(cmd.Context(), args[0], args[1], out)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %d bytes to %s\n", n, out)
		return nil
	},
}

var fileLsCmd = &cobra.Command{
	Use:   "ls BUCKET",
	Short: "List files in a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListFiles", args)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.ListFiles(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No files.")
			return nil
		}

		for _, e := range entries {
			if !e.OK() {
				fmt.Printf("%-36s  [malformed: %v]\n", e.Key, e.Err)
				continue
			}
			fmt.Printf("%10d  %s  %s\n", e.Value.Size, e.Value.CreatedAt.Format("2006-01-02 15:04:05"), e.Value.Name)
		}
		return nil
	},
}

var fileStatCmd = &cobra.Command{
	Use:   "stat BUCKET NAME",
	Short: "Show file metadata",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "StatFile", args)
		if err != nil {
			return err
		}
		defer a.Close()

		meta, err := a.StatFile(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("ID:      %s\n", meta.ID)
		fmt.Printf("Bucket:  %s\n", meta.BucketID)
		fmt.Printf("Name:    %s\n", meta.Name)
		fmt.Printf("Size:    %d\n", meta.Size)
		fmt.Printf("Created: %s\n", meta.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var fileRmCmd = &cobra.Command{
	Use:   "rm BUCKET NAME",
	Short: "Delete a file and all of its versions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "DeleteFile", args)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.DeleteFile(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Println("Nothing to delete.")
			return nil
		}
		fmt.Printf("Deleted %d record(s)\n", n)
		return nil
	},
}

// store command
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Maintain the entity store",
}

var storePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove records whose TTL has passed",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "PurgeExpired", args)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.PurgeExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d expired record(s)\n", n)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("store", "", "Store type: memory, filesystem, sqlite, redis or s3 (default sqlite)")
	configInitCmd.Flags().String("key-wrap", "", "Key wrap: none, age or test (default none)")

	// key subcommands
	keyCmd.AddCommand(keySetupCmd)

	// bucket subcommands
	bucketCmd.AddCommand(bucketCreateCmd)
	bucketCmd.AddCommand(bucketListCmd)
	bucketCmd.AddCommand(bucketRmCmd)

	// file subcommands
	fileCmd.AddCommand(filePutCmd)
	filePutCmd.Flags().StringP("name", "n", "", "Name to store the file under (default: base name of PATH)")
	filePutCmd.Flags().Bool("overwrite", false, "Replace an existing file of the same name")
	fileCmd.AddCommand(fileGetCmd)
	fileGetCmd.Flags().StringP("output", "o", "", "Write to this path instead of stdout")
	fileCmd.AddCommand(fileLsCmd)
	fileCmd.AddCommand(fileStatCmd)
	fileCmd.AddCommand(fileRmCmd)

	// store subcommands
	storeCmd.AddCommand(storePurgeCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(bucketCmd)
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(storeCmd)
}
