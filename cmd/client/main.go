// Command client is a terminal endpoint for the gateway: it connects,
// relays chat and presence to stdout and drives calls from stdin commands.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pmtrec/SHAPPWHAT/internal/call"
	"github.com/pmtrec/SHAPPWHAT/internal/client"
	"github.com/pmtrec/SHAPPWHAT/internal/config"
	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: client <endpoint-id>")
		os.Exit(2)
	}
	selfID := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("config load")
	}

	cl := client.New(client.FromConfig(cfg, selfID))

	bind(cl, protocol.TypeChatMessage, func(env *protocol.Envelope, msg *protocol.ChatMessage) {
		fmt.Printf("[%s] %s\n", env.From, msg.Content)
	})
	bind(cl, protocol.TypeTyping, func(env *protocol.Envelope, t *protocol.Typing) {
		if t.IsTyping {
			fmt.Printf("-- %s is typing\n", env.From)
		}
	})
	bind(cl, protocol.TypeMessageRead, func(env *protocol.Envelope, r *protocol.MessageRead) {
		fmt.Printf("-- %s read %d message(s)\n", env.From, len(r.MessageIDs))
	})
	bind(cl, protocol.TypeUserOnline, func(env *protocol.Envelope, p *protocol.Presence) {
		fmt.Printf("-- %s is online\n", p.UserID)
	})
	bind(cl, protocol.TypeUserOffline, func(env *protocol.Envelope, p *protocol.Presence) {
		fmt.Printf("-- %s went offline\n", p.UserID)
	})
	bind(cl, protocol.TypeOnlineUsers, func(_ *protocol.Envelope, u *protocol.OnlineUsers) {
		fmt.Printf("-- online: %s\n", strings.Join(u.Users, ", "))
	})

	media, newPeer, err := call.CaptureStack()
	if err != nil {
		log.Fatal().Err(err).Msg("media stack init")
	}
	orch, err := call.New(cl, call.Config{
		SelfID:      selfID,
		Media:       media,
		NewPeer:     newPeer,
		RTC:         call.RTCConfig(cfg.STUNServers),
		RingTimeout: cfg.RingTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("call orchestrator init")
	}
	go printEvents(ctx, orch)

	if err := cl.Connect(ctx); err != nil {
		log.Fatal().Err(err).Str("url", cfg.ServerURL).Msg("connect")
	}
	fmt.Printf("connected as %s\n", selfID)
	defer cl.Close()

	go readCommands(ctx, cancel, cl, orch)
	<-ctx.Done()
	_ = orch.EndCall()
}

// bind registers a typed handler, decoding the payload before the callback.
func bind[T any](cl *client.Client, t protocol.MsgType, fn func(*protocol.Envelope, *T)) {
	err := cl.Handle(t, func(env *protocol.Envelope) {
		var payload T
		if err := env.ParseData(&payload); err != nil {
			log.Warn().Err(err).Str("type", string(t)).Msg("bad payload")
			return
		}
		fn(env, &payload)
	})
	if err != nil {
		log.Fatal().Err(err).Str("type", string(t)).Msg("handler bind")
	}
}

func printEvents(ctx context.Context, orch *call.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-orch.Events():
			switch ev.Type {
			case call.EventIncoming:
				fmt.Printf("** incoming %s call from %s (accept/reject)\n", ev.Kind, ev.Peer)
			case call.EventRemoteTrack:
				fmt.Printf("** receiving %s from %s\n", ev.Track.Kind(), ev.Peer)
			default:
				fmt.Printf("** %s (%s)\n", ev.Type, ev.Reason)
			}
		}
	}
}

func readCommands(ctx context.Context, cancel context.CancelFunc, cl *client.Client, orch *call.Orchestrator) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "msg":
			to, text, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: msg <peer> <text>")
				continue
			}
			env, err := protocol.New(protocol.TypeChatMessage, to, protocol.ChatMessage{Content: text, MessageType: "text"})
			if err == nil {
				err = cl.Send(env)
			}
			if err != nil {
				fmt.Println("send failed:", err)
			}
		case "call", "video":
			kind := protocol.CallVoice
			if cmd == "video" {
				kind = protocol.CallVideo
			}
			if _, err := orch.StartCall(ctx, rest, kind); err != nil {
				fmt.Println("call failed:", err)
			}
		case "accept":
			if err := orch.AcceptCall(ctx, rest); err != nil {
				fmt.Println("accept failed:", err)
			}
		case "reject":
			if err := orch.RejectCall(rest); err != nil {
				fmt.Println("reject failed:", err)
			}
		case "hangup":
			if err := orch.EndCall(); err != nil {
				fmt.Println("hangup failed:", err)
			}
		case "mute":
			fmt.Println("muted:", orch.ToggleMute())
		case "quit":
			cancel()
			return
		default:
			fmt.Println("commands: msg, call, video, accept, reject, hangup, mute, quit")
		}
	}
	cancel()
}
