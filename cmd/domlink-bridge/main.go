// Command domlink-bridge is an interactive host-side driver for a Link:
// connect to a hardware backend, then accept REPL commands on stdin while
// serving Prometheus metrics in the background.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"domlink/link"
	"domlink/metrics"
)

var (
	device     = flag.String("device", "/dev/ttyACM0", "Hardware device path")
	baud       = flag.Int("baud", 250000, "Serial baud rate (serial backend only)")
	backend    = flag.String("backend", "serial", "Hardware backend: serial or mmap (mmap is linux-only)")
	metricAddr = flag.String("metrics-addr", ":9110", "Address to serve /metrics on; empty disables it")
)

func main() {
	flag.Parse()

	fmt.Println("domlink bridge - DOM/surface reliable link host")
	fmt.Println("=================================================")

	hw, closeHW, err := openBackend(*backend, *device, *baud)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open %s backend on %s: %v\n", *backend, *device, err)
		os.Exit(1)
	}
	defer closeHW()

	l := link.New(hw, link.Options{
		Trace: func(format string, args ...any) { fmt.Printf(format+"\n", args...) },
	})

	if *metricAddr != "" {
		startMetricsServer(*metricAddr, l)
	}

	fmt.Printf("Connecting to %s...\n", *device)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	waitConnected(ctx, l)
	cancel()
	if !l.IsConnected() {
		fmt.Fprintln(os.Stderr, "Error: handshake did not complete within 10s")
		os.Exit(1)
	}
	fmt.Println("Connected successfully!")

	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		args, err := shlex.Split(line)
		if err != nil || len(args) == 0 {
			fmt.Fprintf(os.Stderr, "Error: could not parse command: %v\n", err)
			continue
		}
		if !dispatch(l, args) {
			fmt.Println("Goodbye!")
			return
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

// openBackend chooses between the two HWIO implementations instead of always opening a
// serial port: mmap is only buildable on linux, so it's resolved through
// openMmapBackend in backend_mmap_linux.go / backend_mmap_other.go.
func openBackend(kind, device string, baud int) (link.HWIO, func() error, error) {
	switch kind {
	case "serial":
		cfg := link.DefaultSerialConfig(device)
		cfg.Baud = baud
		hw, err := link.OpenSerialHW(cfg)
		if err != nil {
			return nil, nil, err
		}
		return hw, hw.Close, nil
	case "mmap":
		return openMmapBackend(device)
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want serial or mmap)", kind)
	}
}

func waitConnected(ctx context.Context, l *link.Link) {
	for !l.IsConnected() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, _ = l.Receive(ctxWithShortTimeout(ctx))
		runtime.Gosched()
	}
}

func ctxWithShortTimeout(parent context.Context) context.Context {
	ctx, _ := context.WithTimeout(parent, 50*time.Millisecond)
	return ctx
}

func startMetricsServer(addr string, l *link.Link) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewLinkCollector(l))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server stopped: %v\n", err)
		}
	}()
	fmt.Printf("Serving metrics on http://%s/metrics\n", addr)
}

// dispatch runs one REPL command. It returns false when the session should
// end.
func dispatch(l *link.Link, args []string) bool {
	switch args[0] {
	case "quit", "exit", "q":
		return false

	case "help", "?":
		printHelp()

	case "send":
		if len(args) < 2 {
			fmt.Println("usage: send <text>")
			break
		}
		payload := []byte(strings.Join(args[1:], " "))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := l.Send(ctx, 0, payload)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: send failed: %v\n", err)
			break
		}
		fmt.Printf("Sent %d bytes\n", len(payload))

	case "recv":
		timeout := 5 * time.Second
		if len(args) > 1 {
			if secs, err := strconv.Atoi(args[1]); err == nil {
				timeout = time.Duration(secs) * time.Second
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_, msg, err := l.Receive(ctx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: receive failed: %v\n", err)
			break
		}
		fmt.Printf("Received %d bytes: %q\n", len(msg), msg)

	case "ready":
		fmt.Printf("Message ready: %v\n", l.MsgReady())

	case "stats":
		printStats(l.Snapshot())

	case "reboot":
		l.RequestReboot()
		fmt.Println("Reboot requested")

	case "reboot_granted":
		fmt.Printf("Reboot granted: %v\n", l.IsRebootGranted())

	case "connected":
		fmt.Printf("Connected: %v\n", l.IsConnected())

	default:
		fmt.Printf("Unknown command: %s (type 'help' for available commands)\n", args[0])
	}
	return true
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  send <text>        - Send text as a message")
	fmt.Println("  recv [secs]        - Block for the next message (default 5s)")
	fmt.Println("  ready              - Report whether a message is waiting")
	fmt.Println("  stats              - Print the local statistics snapshot")
	fmt.Println("  reboot             - Request a DOM reboot")
	fmt.Println("  reboot_granted     - Poll the reboot-granted flag")
	fmt.Println("  connected          - Report handshake state")
	fmt.Println("  help               - Show this help message")
	fmt.Println("  quit/exit/q        - Exit the program")
	fmt.Println()
}

func printStats(s link.Snapshot) {
	fmt.Printf("tx: all=%d ack=%d reack=%d data=%d resent=%d control=%d\n",
		s.TxAll, s.TxAck, s.TxReack, s.TxData, s.TxResent, s.TxControl)
	fmt.Printf("rx: all=%d data=%d good_data=%d ack=%d dup_data=%d dup_ack=%d good_ack=%d control=%d dropped=%d bad=%d\n",
		s.RxAll, s.RxData, s.RxGoodData, s.RxAck, s.RxDupData, s.RxDupAck, s.RxGoodAck, s.RxControl, s.RxDropped, s.RxBad)
	fmt.Printf("bad_fins=%d post_ic_invalid=%d rx_queue_free_min=%d retx_entries_max=%d ack_queue_free_min=%d reboots=%d resets=%d unsticks=%d\n",
		s.NBadFins, s.NPostICInvalid, s.MinRxQueueFree, s.MaxRetxEntries, s.MinAckQueueFree, s.NReboots, s.NResets, s.NUnsticks)
}
