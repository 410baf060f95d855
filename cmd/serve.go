package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"peerchat/config"
	"peerchat/directory"
	"peerchat/network"
	"peerchat/node"
	"peerchat/transfer"
)

var serveUsername string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a chat node",
	Long:  `run a chat node: log into the directory server, accept peer connections, and offer an interactive prompt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		cfg, cfgPath, dataDir, err := config.LoadOrCreate()
		if err != nil {
			return err
		}
		if serveUsername != "" && serveUsername != cfg.Username {
			cfg.Username = serveUsername
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
		}

		n, err := node.New(node.Options{Config: cfg, DataDir: dataDir, Logger: logger})
		if err != nil {
			return err
		}
		defer n.Close()

		registerObservers(n)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := n.Start(ctx); err != nil {
			return err
		}

		fmt.Printf("logged in as %s (id %d), listening on port %d\n", cfg.Username, n.LocalUser.ID, n.Listener.Port())
		fmt.Println(`type "help" for commands`)

		go runPrompt(n, stop)

		<-ctx.Done()
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveUsername, "username", "u", "", "override the configured username")
}

// registerObservers prints chat activity and draws transfer progress bars.
func registerObservers(n *node.Node) {
	n.Router.OnChat(func(event network.ChatEvent) {
		if event.Duplicate {
			return
		}
		fmt.Printf("\n[conv %d] peer %d: %s\n> ", event.ConversationID, event.SenderID, event.Content)
	})
	n.Router.OnTyping(func(event network.TypingEvent) {
		if event.Typing {
			fmt.Printf("\n[conv %d] peer %d is typing...\n> ", event.ConversationID, event.UserID)
		}
	})
	n.Router.OnPeerLost(func(userID int64) {
		fmt.Printf("\npeer %d disconnected\n> ", userID)
	})

	var barsMu sync.Mutex
	bars := make(map[string]*progressbar.ProgressBar)

	n.Transfers.OnProgress(func(p transfer.Progress) {
		barsMu.Lock()
		bar, ok := bars[p.FileID]
		if !ok {
			direction := "receiving"
			if p.IsUpload {
				direction = "sending"
			}
			bar = progressbar.DefaultBytes(p.TotalBytes, fmt.Sprintf("%s %s", direction, shortID(p.FileID)))
			bars[p.FileID] = bar
		}
		barsMu.Unlock()
		_ = bar.Set64(p.Bytes)
	})
	n.Transfers.OnEvent(func(event transfer.Event) {
		barsMu.Lock()
		if bar, ok := bars[event.FileID]; ok {
			_ = bar.Finish()
			delete(bars, event.FileID)
		}
		barsMu.Unlock()

		switch event.Kind {
		case transfer.EventCompleted:
			fmt.Printf("\ntransfer %s complete: %s\n> ", shortID(event.FileID), event.Path)
		case transfer.EventFailed:
			fmt.Printf("\ntransfer %s failed: %s\n> ", shortID(event.FileID), event.Reason)
		case transfer.EventCanceled:
			fmt.Printf("\ntransfer %s canceled\n> ", shortID(event.FileID))
		case transfer.EventOffered:
			fmt.Printf("\nincoming file %q from peer %d\n> ", event.FileName, event.PeerID)
		}
	})
}

// runPrompt reads line commands from stdin until EOF or quit.
func runPrompt(n *node.Node, stop func()) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		fields := strings.Fields(line)
		if err := runCommand(n, fields, stop); err != nil {
			fmt.Printf("error: %v\n", err)
		}
		fmt.Print("> ")
	}
	stop()
}

func runCommand(n *node.Node, fields []string, stop func()) error {
	switch fields[0] {
	case "help":
		fmt.Println(`commands:
  peers                          list online peers
  conv <name> <peerId>...        create a conversation
  msg <convId> <text>            send a chat message
  send <convId> <peerId> <path>  send a file
  cancel <fileId>                cancel a transfer
  retry <messageId>              retry a message now
  retryfile <fileId>             retry an upload now
  quit                           exit`)
	case "peers":
		for _, peer := range n.Directory.Peers() {
			fmt.Printf("  %d at %s\n", peer.UserID, directory.FormatAddress(peer))
		}
	case "conv":
		if len(fields) < 3 {
			return fmt.Errorf("usage: conv <name> <peerId>...")
		}
		peerIDs, err := parseIDs(fields[2:])
		if err != nil {
			return err
		}
		conversationID, err := n.StartConversation(fields[1], peerIDs...)
		if err != nil {
			return err
		}
		fmt.Printf("conversation %d created\n", conversationID)
	case "msg":
		if len(fields) < 3 {
			return fmt.Errorf("usage: msg <convId> <text>")
		}
		conversationID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", fields[1])
		}
		messageID, err := n.SendMessage(conversationID, strings.Join(fields[2:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("message %d sent\n", messageID)
	case "send":
		if len(fields) != 4 {
			return fmt.Errorf("usage: send <convId> <peerId> <path>")
		}
		conversationID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", fields[1])
		}
		peerID, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid peer id %q", fields[2])
		}
		fileID, err := n.SendFile(conversationID, peerID, fields[3])
		if err != nil {
			return err
		}
		fmt.Printf("transfer %s started\n", shortID(fileID))
	case "cancel":
		if len(fields) != 2 {
			return fmt.Errorf("usage: cancel <fileId>")
		}
		return n.Transfers.Cancel(fields[1], "canceled by user")
	case "retry":
		if len(fields) != 2 {
			return fmt.Errorf("usage: retry <messageId>")
		}
		messageID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message id %q", fields[1])
		}
		return n.MessageRetry.RetryNow(messageID)
	case "retryfile":
		if len(fields) != 2 {
			return fmt.Errorf("usage: retryfile <fileId>")
		}
		return n.FileRetry.RetryNow(fields[1])
	case "quit", "exit":
		stop()
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func parseIDs(fields []string) ([]int64, error) {
	out := make([]int64, 0, len(fields))
	for _, field := range fields {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid peer id %q", field)
		}
		out = append(out, id)
	}
	return out, nil
}
