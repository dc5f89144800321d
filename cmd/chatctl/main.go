package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketchat/internal/config"
	"marketchat/internal/connection"
	"marketchat/internal/engine"
	"marketchat/internal/protocol"
)

func main() {
	cfg := config.Load()

	token := os.Getenv("CHAT_TOKEN")
	if token == "" {
		log.Fatal("CHAT_TOKEN is required")
	}

	eng, err := engine.Bootstrap(cfg, token)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	eng.SetStateListener(func(s connection.State) {
		if s == connection.Failed {
			fmt.Println("⚠ Connection failed, press enter on an empty line to retry")
			return
		}
		fmt.Printf("· connection: %s\n", s)
	})

	messageSub := eng.Subscribe(protocol.EventNewMessage, func(e protocol.Event) {
		msg, ok := e.(protocol.NewMessage)
		if !ok {
			return
		}
		fmt.Printf("[%s] %s: %s\n", msg.RoomID, msg.SenderName, msg.Message)
	})
	defer messageSub.Cancel()

	typingSub := eng.Subscribe(protocol.EventUserTyping, func(e protocol.Event) {
		t, ok := e.(protocol.UserTyping)
		if !ok || !t.IsTyping {
			return
		}
		fmt.Printf("… %s is typing\n", t.UserName)
	})
	defer typingSub.Cancel()

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		log.Printf("Initial connect failed (retrying in background): %v", err)
	}

	if err := eng.RefreshRooms(ctx); err != nil {
		log.Printf("Room list fetch failed: %v", err)
	}

	var roomID string
	if len(os.Args) > 1 {
		roomID = os.Args[1]
	} else if rooms := eng.Store().Rooms(); len(rooms) > 0 {
		roomID = rooms[0].ID
	}
	if roomID == "" {
		log.Fatal("No room to open: pass a room id as the first argument")
	}

	if err := eng.OpenRoom(ctx, roomID); err != nil {
		log.Printf("Open room %s failed: %v", roomID, err)
	}
	for _, msg := range eng.Store().Timeline(roomID) {
		fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04"), msg.SenderName, msg.Body)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go readInput(ctx, eng, roomID)

	<-stop

	fmt.Println("\nShutdown signal received. Cleaning up...")
	eng.Close()

	time.Sleep(200 * time.Millisecond)
	fmt.Println("Graceful shutdown complete. Goodnight!")
}

func readInput(ctx context.Context, eng *engine.Engine, roomID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if eng.ConnectionState() == connection.Failed {
				if err := eng.Reconnect(ctx); err != nil {
					log.Printf("Reconnect failed: %v", err)
				}
			}
			continue
		}

		eng.Keystroke(roomID)
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := eng.SendText(sendCtx, roomID, line)
		cancel()
		if err != nil {
			// The typed line stays in the terminal scrollback; re-submit it.
			log.Printf("Send failed: %v", err)
		}
	}
}
