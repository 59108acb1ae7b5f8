// Command pokercli joins a planning-poker room from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/DoyleJ11/planning-poker/internal/client"
	"github.com/DoyleJ11/planning-poker/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "pokercli:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fset := pflag.NewFlagSet("pokercli", pflag.ContinueOnError)
	server := fset.String("server", "http://localhost:8080", "server base URL")
	name := fset.String("name", "", "display name (remembered)")
	roomID := fset.String("room", "", "room id to join")
	create := fset.String("create", "", "create a room with this name and join it")
	memPath := fset.String("memory", defaultMemoryPath(), "where identity and last room are kept")
	logLevel := fset.String("log-level", "warn", "log level")
	if err := fset.Parse(args); err != nil {
		return err
	}

	log, err := logging.New(*logLevel, true)
	if err != nil {
		return err
	}
	defer log.Sync()

	mem, err := client.OpenFileMemory(*memPath)
	if err != nil {
		return err
	}
	user, err := mem.Identity(*name)
	if err != nil {
		return fmt.Errorf("%w (use --name)", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := bufio.NewScanner(os.Stdin)
	id := *roomID
	switch {
	case *create != "":
		if id, err = createRoom(ctx, *server, *create, user.ID); err != nil {
			return err
		}
		fmt.Printf("created room %s\n", id)
	case id == "" && mem.LastRoom() != "":
		fmt.Printf("resume room %s? [Y/n] ", mem.LastRoom())
		if in.Scan() && !strings.EqualFold(strings.TrimSpace(in.Text()), "n") {
			id = mem.LastRoom()
		}
	}
	if id == "" {
		return errors.New("no room: pass --room or --create")
	}

	wsURL, err := websocketURL(*server)
	if err != nil {
		return err
	}

	ui := &view{self: user.ID}
	room, version, err := fetchRoom(ctx, *server, id)
	switch {
	case errors.Is(err, errRoomMissing):
		if mem.LastRoom() == id {
			_ = mem.ForgetRoom()
		}
		return err
	case err != nil:
		return err
	}
	ui.update(version, room)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := client.New(client.Options{
		Dialer:   client.WSDialer{URL: wsURL},
		RoomID:   id,
		User:     user,
		Memory:   mem,
		OnUpdate: ui.update,
		OnError:  ui.showError,
		OnStatus: ui.status,
		OnNotFound: func() {
			fmt.Println("room not found, going home")
			cancel()
		},
		Logger: log.Named("session"),
	})
	if err != nil {
		return err
	}
	// The session outlives ctx so a leave can still go out after a signal.
	if err := s.Open(context.Background()); err != nil {
		return err
	}
	defer s.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

	fmt.Println(help)
	for {
		select {
		case <-ctx.Done():
			// Signal or missing room: leave synchronously on the way out.
			s.Leave(client.TriggerUnload)
			return ignoreRoomGone(s.Wait())
		case line, ok := <-lines:
			if !ok {
				s.Leave(client.TriggerUnload)
				return ignoreRoomGone(s.Wait())
			}
			done, err := dispatch(ctx, s, line)
			if err != nil {
				fmt.Println("!", err)
			}
			if done {
				return ignoreRoomGone(s.Wait())
			}
		}
	}
}

func ignoreRoomGone(err error) error {
	if errors.Is(err, client.ErrRoomNotFound) {
		return nil
	}
	return err
}

func defaultMemoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pokercli.yaml"
	}
	return filepath.Join(dir, "planning-poker", "client.yaml")
}
