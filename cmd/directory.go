package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerchat/config"
	"peerchat/dirserver"
	"peerchat/storage"
)

var directoryListenAddress string

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "run the rendezvous directory server",
	Long:  `run the directory server peers log into to find each other`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		dataDir, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		if err := config.EnsureDataDirectories(dataDir); err != nil {
			return err
		}

		store, dbPath, err := storage.Open(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.WithField("db", dbPath).Info("directory server storage ready")

		server, err := dirserver.Listen(dirserver.Options{
			ListenAddress: directoryListenAddress,
			Users:         store,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		defer server.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		logger.Info("directory server shutting down")
		return nil
	},
}

var directoryRegisterCmd = &cobra.Command{
	Use:   "register username...",
	Short: "provision user accounts on the directory server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		dataDir, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		if err := config.EnsureDataDirectories(dataDir); err != nil {
			return err
		}

		store, _, err := storage.Open(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		for _, username := range args {
			user, err := store.EnsureUser(username)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"user": user.Username,
				"id":   user.ID,
			}).Info("user registered")
		}
		return nil
	},
}

func init() {
	directoryCmd.Flags().StringVar(&directoryListenAddress, "listen", ":9090", "TCP address to listen on")
	directoryCmd.AddCommand(directoryRegisterCmd)
}
