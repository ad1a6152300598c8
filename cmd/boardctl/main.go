// Command boardctl exercises a configured board from the command
// line: write and read pins, watch inputs, tail events to CSV, and
// fire the emergency stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/benchrig/labboard/internal/boardfile"
	"github.com/benchrig/labboard/internal/hal"
	"github.com/benchrig/labboard/internal/recorder"

	_ "github.com/benchrig/labboard/internal/hal/firmata"
	_ "github.com/benchrig/labboard/internal/hal/pigpiod"
	_ "github.com/benchrig/labboard/internal/hal/rpigpio"
)

var (
	configPath = flag.String("config", "boards.yaml", "Path to the board configuration file")
	boardName  = flag.String("board", "", "Board id or name to operate on (default: first in file)")
	devMode    = flag.Bool("dev", false, "Run against the mock backend instead of real hardware")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: boardctl [flags] <verb> [args]

verbs:
  list                 show configured boards
  write <pin> <value>  drive a digital output (0/1)
  pwm <pin> <duty>     drive a PWM output (0-255)
  servo <pin> <angle>  drive a servo (0-180)
  read <pin>           read a digital input
  watch <pin>          print transitions on an input pin until interrupted
  tail                 stream events from all input pins as CSV until interrupted
  stop                 emergency stop: drive all outputs to safe values

flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	boards, err := boardfile.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load %s: %v", *configPath, err)
	}
	if len(boards) == 0 {
		log.Fatalf("no boards configured in %s", *configPath)
	}

	if args[0] == "list" {
		for _, cfg := range boards {
			fmt.Printf("%s\t%s\t%s\tport=%q\tauto_reconnect=%v\n",
				cfg.ID, cfg.Name, cfg.BoardType, cfg.Port, cfg.AutoReconnect)
		}
		return
	}

	cfg := boards[0]
	if *boardName != "" {
		found := false
		for _, c := range boards {
			if c.ID == *boardName || c.Name == *boardName {
				cfg = c
				found = true
				break
			}
		}
		if !found {
			log.Fatalf("no board %q in %s", *boardName, *configPath)
		}
	}
	if *devMode {
		cfg.BoardType = hal.BoardTypeMock
		cfg.Port = ""
	}

	board, err := hal.NewBoardFromConfig(cfg, nil)
	if err != nil {
		log.Fatalf("failed to build board %q: %v", cfg.Name, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := board.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		board.Disconnect(dctx)
		dcancel()
	}()

	if err := run(ctx, board, args); err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func run(ctx context.Context, board *hal.Board, args []string) error {
	switch verb := args[0]; verb {
	case "write":
		pin, value, err := pinAndValue(args)
		if err != nil {
			return err
		}
		if err := board.SetPinMode(ctx, pin, hal.ModeOutput, hal.TypeDigital); err != nil {
			return err
		}
		return board.WriteDigital(ctx, pin, value != 0)

	case "pwm":
		pin, value, err := pinAndValue(args)
		if err != nil {
			return err
		}
		if err := board.SetPinMode(ctx, pin, hal.ModeOutput, hal.TypePWM); err != nil {
			return err
		}
		return board.WriteAnalog(ctx, pin, value)

	case "servo":
		pin, angle, err := pinAndValue(args)
		if err != nil {
			return err
		}
		if err := board.SetPinMode(ctx, pin, hal.ModeOutput, hal.TypeServo); err != nil {
			return err
		}
		return board.WriteServo(ctx, pin, angle)

	case "read":
		if len(args) != 2 {
			return fmt.Errorf("usage: read <pin>")
		}
		pin, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad pin %q", args[1])
		}
		if err := board.SetPinMode(ctx, pin, hal.ModeInput, hal.TypeDigital); err != nil {
			return err
		}
		v, err := board.ReadDigital(ctx, pin)
		if err != nil {
			return err
		}
		fmt.Println(boolTo01(v))
		return nil

	case "watch":
		if len(args) != 2 {
			return fmt.Errorf("usage: watch <pin>")
		}
		pin, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad pin %q", args[1])
		}
		if err := board.SetPinMode(ctx, pin, hal.ModeInput, hal.TypeDigital); err != nil {
			return err
		}
		id := board.RegisterCallback(pin, func(pin, value int, ts time.Time) {
			fmt.Printf("%s pin %d -> %d\n", ts.Format(time.RFC3339Nano), pin, value)
		})
		defer board.UnregisterCallback(pin, id)
		<-ctx.Done()
		return nil

	case "tail":
		return tail(ctx, board)

	case "stop":
		board.EmergencyStop(ctx)
		return nil

	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
}

// tail configures every digital-capable pin as an input and streams
// transitions to stdout through the recorder's CSV writer.
func tail(ctx context.Context, board *hal.Board) error {
	writer := recorder.NewWriter(os.Stdout, recorder.WriterConfig{})
	writer.Start()
	defer writer.Stop(5 * time.Second)

	boardID := board.ID()
	caps := board.Capabilities()
	var ids []struct {
		pin int
		id  hal.CallbackID
	}
	for pin := range caps.Pins {
		if !caps.Supports(pin, hal.TypeDigital) {
			continue
		}
		if err := board.SetPinMode(ctx, pin, hal.ModeInput, hal.TypeDigital); err != nil {
			log.Printf("tail: skipping pin %d: %v", pin, err)
			continue
		}
		id := board.RegisterCallback(pin, func(pin, value int, ts time.Time) {
			writer.Enqueue(recorder.Event{BoardID: boardID, Pin: pin, Value: value, Timestamp: ts})
		})
		ids = append(ids, struct {
			pin int
			id  hal.CallbackID
		}{pin, id})
	}
	defer func() {
		for _, reg := range ids {
			board.UnregisterCallback(reg.pin, reg.id)
		}
	}()

	<-ctx.Done()
	return nil
}

func pinAndValue(args []string) (int, int, error) {
	if len(args) != 3 {
		return 0, 0, fmt.Errorf("usage: %s <pin> <value>", args[0])
	}
	pin, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad pin %q", args[1])
	}
	value, err := strconv.Atoi(args[2])
	if err != nil {
		return 0, 0, fmt.Errorf("bad value %q", args[2])
	}
	return pin, value, nil
}

func boolTo01(v bool) int {
	if v {
		return 1
	}
	return 0
}
