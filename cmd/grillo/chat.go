package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/grillo/pkg/chat"
	"github.com/go-go-golems/grillo/pkg/conversation"
)

const eventTopic = "chat-events"

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session against a streaming backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, err := cmd.Flags().GetString("conversation")
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), conversationID)
		},
	}
	cmd.Flags().String("conversation", "", "conversation id to resume")
	return cmd
}

func runChat(ctx context.Context, conversationID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := buildStore()
	session, err := loadOrCreateSession(store, conversationID)
	if err != nil {
		return err
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer func() {
		_ = pubSub.Close()
	}()

	messages, err := pubSub.Subscribe(ctx, eventTopic)
	if err != nil {
		return err
	}

	orchestrator := chat.New(
		chat.Deps{
			Logger: log.Logger,
			Store:  store,
			Sinks:  []chat.EventSink{chat.NewWatermillSink(pubSub, eventTopic)},
		},
		chat.WithEndpoint(viper.GetString("endpoint")),
		chat.WithModel(viper.GetString("model")),
		chat.WithStreamProtocol(viper.GetString("protocol")),
	)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		for msg := range messages {
			var event chat.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.Warn().Err(err).Msg("malformed event payload")
				msg.Ack()
				continue
			}
			printEvent(event)
			msg.Ack()
		}
		return nil
	})

	eg.Go(func() error {
		defer stop()
		return repl(ctx, orchestrator, session)
	})

	return eg.Wait()
}

func buildStore() chat.Store {
	dir := viper.GetString("store-dir")
	if dir == "" {
		return chat.NewMapStore()
	}
	return chat.NewFileStore(dir)
}

func loadOrCreateSession(store chat.Store, conversationID string) (*chat.Session, error) {
	if conversationID == "" {
		return chat.NewSession(), nil
	}
	session, err := chat.LoadSession(store, conversationID)
	if err == nil {
		return session, nil
	}
	log.Info().Str("conversation_id", conversationID).Msg("starting fresh conversation")
	session = chat.NewSession()
	session.ID = conversationID
	return session, nil
}

func printEvent(event chat.Event) {
	switch event.Type {
	case chat.EventTypeFinal:
		fmt.Printf("\nassistant: %s\n", event.Completion)
	case chat.EventTypeInterrupt:
		fmt.Printf("\n[interrupted] %s\n", event.Completion)
	case chat.EventTypeError:
		fmt.Printf("\n[error] %s\n", event.ErrorString)
	case chat.EventTypeStart, chat.EventTypePartial:
	}
}

// repl reads lines from stdin. Lines starting with / are commands
// (/retry, /branch N, /continue, /stop, /quit); everything else is sent as
// a user message.
func repl(ctx context.Context, orchestrator *chat.Orchestrator, session *chat.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf("conversation %s\n", session.ID)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(ctx, orchestrator, session, line)
			if err != nil {
				fmt.Printf("[error] %s\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		msg := conversation.NewMessage(conversation.RoleUser, line)
		if err := orchestrator.Append(ctx, session, msg); err != nil {
			fmt.Printf("[error] %s\n", err)
		}
	}
}

func runCommand(ctx context.Context, orchestrator *chat.Orchestrator, session *chat.Session, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil

	case "/stop":
		orchestrator.Stop()
		return false, nil

	case "/retry":
		id, err := lastAssistantID(session)
		if err != nil {
			return false, err
		}
		return false, orchestrator.RetryMessage(ctx, session, id)

	case "/continue":
		id, err := lastAssistantID(session)
		if err != nil {
			return false, err
		}
		return false, orchestrator.Continue(ctx, session, id)

	case "/branch":
		if len(fields) != 2 {
			return false, errors.New("usage: /branch <index>")
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, err
		}
		id, err := lastAssistantID(session)
		if err != nil {
			return false, err
		}
		msg, _ := session.Graph.Get(id)
		if err := orchestrator.SwitchBranch(session, msg.ParentID, idx); err != nil {
			return false, err
		}
		if last, err := lastAssistantID(session); err == nil {
			if msg, ok := session.Graph.Get(last); ok {
				fmt.Printf("assistant: %s\n", msg.Content)
			}
		}
		return false, nil

	default:
		return false, errors.Errorf("unknown command %s", fields[0])
	}
}

func lastAssistantID(session *chat.Session) (conversation.NodeID, error) {
	path := session.ActivePath()
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == conversation.RoleAssistant {
			return path[i].ID, nil
		}
	}
	return conversation.NullNode, errors.New("no assistant message yet")
}
