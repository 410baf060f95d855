// Package node wires storage, presence, transport, transfers, and retry
// scanners into one runnable chat node.
package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"peerchat/config"
	"peerchat/directory"
	"peerchat/discovery"
	"peerchat/network"
	"peerchat/retry"
	"peerchat/storage"
	"peerchat/transfer"
	"peerchat/wire"
)

// Options configures a node.
type Options struct {
	Config  *config.NodeConfig
	DataDir string
	Logger  *logrus.Logger
}

// Node is the composition root: one local user, one listener, one directory
// session, and the services hanging off them.
type Node struct {
	options Options
	logger  *logrus.Logger

	LocalUser storage.User

	Store     *storage.Store
	Directory *directory.Directory
	Router    *network.Router
	Listener  *network.Listener
	Transfers *transfer.Manager

	MessageRetry *retry.MessageService
	FileRetry    *retry.FileService

	dirClient *directory.Client
	mdns      *discovery.Service

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New builds the node's component graph without starting any network
// activity beyond binding the P2P listener.
func New(options Options) (*Node, error) {
	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if options.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if options.Logger == nil {
		options.Logger = logrus.New()
	}
	logger := options.Logger
	cfg := options.Config

	store, _, err := storage.Open(options.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	user, err := store.EnsureUser(cfg.Username)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ensure local user: %w", err)
	}

	dir := directory.New(logger)

	router, err := network.NewRouter(network.RouterOptions{
		LocalUserID: user.ID,
		Directory:   dir,
		Store:       store,
		Logger:      logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	listener, err := network.Listen(":"+strconv.Itoa(cfg.P2PPort), router.TransportOptions())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("bind p2p listener: %w", err)
	}

	transfers, err := transfer.NewManager(transfer.Options{
		LocalUserID:  user.ID,
		Sender:       router,
		Store:        store,
		DownloadsDir: cfg.DownloadsDir,
		Logger:       logger,
	})
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	router.SetFileHandler(transfers)

	messageRetry, err := retry.NewMessageService(retry.MessageOptions{
		LocalUserID: user.ID,
		Store:       store,
		Sender:      router,
		Presence:    dir,
		Interval:    cfg.MessageRetryInterval(),
		Logger:      logger,
	})
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	fileRetry, err := retry.NewFileService(retry.FileOptions{
		LocalUserID: user.ID,
		Store:       store,
		Uploader:    transfers,
		Presence:    dir,
		Interval:    cfg.FileRetryInterval(),
		Logger:      logger,
	})
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	return &Node{
		options:      options,
		logger:       logger,
		LocalUser:    user,
		Store:        store,
		Directory:    dir,
		Router:       router,
		Listener:     listener,
		Transfers:    transfers,
		MessageRetry: messageRetry,
		FileRetry:    fileRetry,
	}, nil
}

// Start logs into the directory server and spins up the background
// services. It returns once everything is running; Wait blocks on them.
func (n *Node) Start(ctx context.Context) error {
	cfg := n.options.Config

	dirClient, err := directory.Connect(n.Directory, directory.ClientOptions{
		ServerAddress: cfg.ServerAddress,
		Username:      cfg.Username,
		LocalUserID:   n.LocalUser.ID,
		P2PPort:       n.Listener.Port(),
		Logger:        n.logger,
	})
	if err != nil {
		return fmt.Errorf("directory login: %w", err)
	}
	n.dirClient = dirClient

	if cfg.EnableDiscovery {
		mdns, err := discovery.Start(discovery.Config{
			SelfUserID:    n.LocalUser.ID,
			Username:      cfg.Username,
			ListeningPort: n.Listener.Port(),
		})
		if err != nil {
			n.logger.WithError(err).Warn("mDNS discovery unavailable, continuing without it")
		} else {
			n.mdns = mdns
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)
	n.group = group
	n.cancel = cancel

	group.Go(func() error { return n.acceptInbound(runCtx) })
	group.Go(func() error { return n.dirClient.Run(runCtx) })
	group.Go(func() error { return n.MessageRetry.Run(runCtx) })
	group.Go(func() error { return n.FileRetry.Run(runCtx) })
	if n.mdns != nil {
		group.Go(func() error { return n.bridgeDiscovery(runCtx) })
	}

	n.logger.WithFields(logrus.Fields{
		"user": cfg.Username,
		"id":   n.LocalUser.ID,
		"port": n.Listener.Port(),
	}).Info("node started")
	return nil
}

// acceptInbound hands accepted transports to the router until shutdown.
func (n *Node) acceptInbound(ctx context.Context) error {
	for {
		select {
		case transport, ok := <-n.Listener.Incoming():
			if !ok {
				return nil
			}
			n.Router.AdmitInbound(transport)
		case err, ok := <-n.Listener.Errors():
			if ok && err != nil {
				return fmt.Errorf("p2p listener: %w", err)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// bridgeDiscovery feeds mDNS presence into the peer directory. The server
// stays authoritative: LAN-found peers are added, but removal waits for the
// server's snapshot or delta.
func (n *Node) bridgeDiscovery(ctx context.Context) error {
	for {
		select {
		case event, ok := <-n.mdns.Scanner.Events():
			if !ok {
				return nil
			}
			if event.Type != discovery.EventPeerUpserted {
				continue
			}
			peer, ok := event.Peer.PeerInfo()
			if !ok {
				continue
			}
			if n.Directory.AddPeer(peer) {
				n.logger.WithFields(logrus.Fields{
					"peer": peer.UserID,
					"addr": directory.FormatAddress(peer),
				}).Debug("peer discovered via mDNS")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendMessage persists an outgoing chat message and pushes it to every
// online participant. The stored copy is what the retry scanner replays if
// delivery is incomplete.
func (n *Node) SendMessage(conversationID int64, content string) (int64, error) {
	clientMessageID := uuid.NewString()
	messageID, _, err := n.Store.SendMessageIfNotExists(conversationID, n.LocalUser.ID, content, clientMessageID)
	if err != nil {
		return 0, fmt.Errorf("persist message: %w", err)
	}

	allDelivered, err := n.Router.SendToConversation(conversationID, func(int64) *wire.Envelope {
		return wire.NewChatMessage(n.LocalUser.ID, conversationID, content, clientMessageID)
	})
	status := storage.StatusSent
	if err != nil || !allDelivered {
		status = storage.StatusPending
	}
	if statusErr := n.Store.UpdateMessageStatus(messageID, status); statusErr != nil {
		return messageID, statusErr
	}
	return messageID, err
}

// SendFile starts an upload to one conversation participant.
func (n *Node) SendFile(conversationID, receiverID int64, sourcePath string) (string, error) {
	return n.Transfers.SendFile(conversationID, receiverID, sourcePath)
}

// StartConversation creates a conversation including the local user.
func (n *Node) StartConversation(name string, participantIDs ...int64) (int64, error) {
	ids := append([]int64{n.LocalUser.ID}, participantIDs...)
	return n.Store.CreateConversation(name, ids)
}

// Wait blocks until the background services stop.
func (n *Node) Wait() error {
	if n.group == nil {
		return nil
	}
	err := n.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close shuts everything down in dependency order.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.mdns != nil {
		n.mdns.Stop()
	}
	if n.dirClient != nil {
		_ = n.dirClient.Close()
	}
	n.Router.Stop()
	_ = n.Listener.Close()
	err := n.Wait()
	if closeErr := n.Store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
