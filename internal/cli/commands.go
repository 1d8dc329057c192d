// Package cli implements the operator console: room listings, room
// creation and closing, and a quit command.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/room"
	"github.com/energizer-project/relay/internal/util"
)

// errQuit ends the read loop.
var errQuit = errors.New("quit")

// Lobby is the part of the lobby the console drives.
type Lobby interface {
	Query(version string) []*room.Room
	Get(id protocol.RoomID) (*room.Room, bool)
	CreateRoom(ctx context.Context, req protocol.CreateRoomRequest) (protocol.RoomBasicInfo, error)
	CloseRoom(id protocol.RoomID) error
	Counts() (rooms, clients int)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	lobby    Lobby
	eventBus *events.EventBus
	in       io.Reader
	out      io.Writer
	logger   zerolog.Logger
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(l Lobby, eventBus *events.EventBus, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		lobby:    l,
		eventBus: eventBus,
		in:       in,
		out:      out,
		logger:   util.ComponentLogger("cli"),
	}
}

// Start runs the read loop until ctx is done, input ends, or quit is entered.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nRelay console ready. Type 'help' for available commands.")

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Warn().Err(err).Msg("console input failed")
		}
	}()

	for {
		fmt.Fprint(c.out, "relay> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			err := c.execute(ctx, strings.ToLower(fields[0]), fields[1:])
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "rooms", "ls":
		version := ""
		if len(args) > 0 {
			version = args[0]
		}
		c.printRooms(version)
	case "room":
		return c.cmdRoom(args)
	case "create":
		return c.cmdCreate(ctx, args)
	case "close":
		return c.cmdClose(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down relay...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Command", "Description"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"status", "Show room and client totals"},
		{"rooms [version]", "List running rooms"},
		{"room <id>", "Show one room"},
		{"create <name> [capacity] [version]", "Open a room"},
		{"close <id>", "Close a room"},
		{"quit", "Shut down the relay"},
		{"help", "Show this help message"},
	})
	tw.Render()
}

func (c *CLI) printStatus() {
	rooms, clients := c.lobby.Counts()
	fmt.Fprintf(c.out, "Rooms: %d  Clients: %d\n", rooms, clients)
}

func (c *CLI) printRooms(version string) {
	rooms := c.lobby.Query(version)
	if len(rooms) == 0 {
		fmt.Fprintln(c.out, "No rooms running")
		return
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Name", "Version", "Clients", "Master", "Entities", "Age"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, r := range rooms {
		st := r.Status()
		tw.Append([]string{
			strconv.FormatUint(uint64(st.Info.ID), 10),
			st.Info.Name,
			st.Info.Version,
			fmt.Sprintf("%d/%d", st.Info.Occupancy, st.Info.Capacity),
			masterString(st.Master),
			strconv.Itoa(st.Entities),
			time.Since(st.CreatedAt).Truncate(time.Second).String(),
		})
	}
	tw.Render()
}

func (c *CLI) cmdRoom(args []string) error {
	id, err := parseRoomArg(args)
	if err != nil {
		return err
	}
	r, ok := c.lobby.Get(id)
	if !ok {
		return fmt.Errorf("room %d not found", id)
	}

	st := r.Status()
	fmt.Fprintf(c.out, "\n  Room:       %d\n", st.Info.ID)
	fmt.Fprintf(c.out, "  Name:       %s\n", st.Info.Name)
	fmt.Fprintf(c.out, "  Version:    %s\n", st.Info.Version)
	fmt.Fprintf(c.out, "  Clients:    %d/%d\n", st.Info.Occupancy, st.Info.Capacity)
	fmt.Fprintf(c.out, "  Master:     %s\n", masterString(st.Master))
	fmt.Fprintf(c.out, "  Entities:   %d\n", st.Entities)
	fmt.Fprintf(c.out, "  Buffered:   %d\n", st.Buffered)
	fmt.Fprintf(c.out, "  Created:    %s\n", st.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Last tick:  %s\n", st.LastTick)
	for k, v := range st.Info.Attributes {
		fmt.Fprintf(c.out, "  %s = %s\n", k, v)
	}
	return nil
}

func (c *CLI) cmdCreate(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: create <name> [capacity] [version]")
	}

	req := protocol.CreateRoomRequest{Name: args[0]}
	if len(args) > 1 {
		n, err := strconv.ParseUint(args[1], 10, 8)
		if err != nil {
			return fmt.Errorf("invalid capacity: %s", args[1])
		}
		req.Capacity = uint8(n)
	}
	if len(args) > 2 {
		req.Version = args[2]
	}

	info, err := c.lobby.CreateRoom(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Room %d created (%s, capacity %d)\n", info.ID, info.Name, info.Capacity)
	return nil
}

func (c *CLI) cmdClose(args []string) error {
	id, err := parseRoomArg(args)
	if err != nil {
		return err
	}
	if err := c.lobby.CloseRoom(id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Room %d closing\n", id)
	return nil
}

func parseRoomArg(args []string) (protocol.RoomID, error) {
	if len(args) < 1 {
		return 0, errors.New("room id required")
	}
	n, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid room id: %s", args[0])
	}
	return protocol.RoomID(n), nil
}

func masterString(id *protocol.ClientID) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatUint(uint64(*id), 10)
}
