package main

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joshuadahlunr/wnts/internal/node"
)

var (
	flagFolders string
	flagConnect string
	flagPort    uint16
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "wnts",
	Short: "Synchronize a filesystem across a peer-to-peer network",
	Long: `wnts keeps one or more directory trees identical across every node
sharing the same overlay network. Start the first node with --folders to
bootstrap a network; join an existing one with --connect, which adopts
the managed folders from the mesh.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&flagFolders, "folders", "f", "",
		"comma-separated folders to synchronize (bootstrap only)")
	rootCmd.Flags().StringVarP(&flagConnect, "connect", "c", "",
		"overlay IPv6 of an existing node to join")
	rootCmd.Flags().StringVar(&flagConnect, "remote-address", "",
		"alias for --connect")
	rootCmd.Flags().Uint16VarP(&flagPort, "port", "p", node.DefaultPort,
		"service port")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"debug logging")
	rootCmd.Flags().MarkHidden("remote-address")
}

func run(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	opts := node.Options{Port: flagPort}

	if flagConnect != "" {
		gateway, err := netip.ParseAddr(flagConnect)
		if err != nil {
			return fmt.Errorf("invalid --connect address %q: %w", flagConnect, err)
		}
		opts.Connect = gateway
		if flagFolders != "" {
			logger.Warn("--folders is ignored when joining; managed folders come from the network")
		}
	} else {
		if flagFolders == "" {
			return fmt.Errorf("one of --folders or --connect is required")
		}
		for _, folder := range strings.Split(flagFolders, ",") {
			folder = strings.TrimSpace(folder)
			if folder == "" {
				continue
			}
			if _, err := os.Stat(folder); err != nil {
				return fmt.Errorf("folder %s: %w", folder, err)
			}
			opts.Folders = append(opts.Folders, folder)
		}
		if len(opts.Folders) == 0 {
			return fmt.Errorf("no usable folders in %q", flagFolders)
		}
	}

	n := node.New(opts, logger)
	if err := n.Setup(); err != nil {
		return err
	}

	// ctrl+c tears the node down in declaration order
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		logger.Info("interrupted, shutting down")
		n.Stop()
		os.Exit(0)
	}()

	n.Run()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
