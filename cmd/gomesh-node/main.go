// gomesh-node runs one mesh node as a standalone process: it loads a
// configuration, attaches a radio link, and exposes a line-oriented
// stdin/stdout control surface for sending traffic and observing events.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/kd7nxl/gomesh/mesh"
	"github.com/kd7nxl/gomesh/radio/loopback"
	"github.com/kd7nxl/gomesh/radio/ptyframe"
)

func main() {
	var (
		configFile = pflag.StringP("config-file", "c", "", "YAML configuration file. Defaults baked in if omitted.")
		hwidStr    = pflag.StringP("hwid", "i", "", `This node's 6-byte hardware id, hex like "AA:BB:CC:DD:EE:FF". Random if omitted.`)
		linkKind   = pflag.StringP("link", "l", "loopback", `Radio link to attach: "loopback" (testing only) or "pty" (prints the slave device path to connect a peer).`)
		logLevel   = pflag.StringP("log-level", "v", "info", "Log level: debug, info, warn, error.")
		help       = pflag.BoolP("help", "h", false, "Display help text.")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - run a gomesh mesh node.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: gomesh-node [options]\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Once running, type lines on stdin:\n")
		fmt.Fprintf(os.Stderr, "  send AA:BB:CC:DD:EE:FF hello world   unicast \"hello world\" to that hwid\n")
		fmt.Fprintf(os.Stderr, "  broadcast hello everyone             flood \"hello everyone\"\n")
		fmt.Fprintf(os.Stderr, "  quit                                 deinit and exit\n")
	}

	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(1)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Level: parseLevel(*logLevel)})

	cfg := mesh.DefaultConfig()
	if *configFile != "" {
		loaded, err := mesh.LoadConfig(*configFile)
		if err != nil {
			logger.Fatal("loading config", "err", err)
		}
		cfg = *loaded
	}

	self := mesh.HWID{}
	if *hwidStr != "" {
		id, err := parseHWID(*hwidStr)
		if err != nil {
			logger.Fatal("parsing --hwid", "err", err)
		}
		self = id
	} else {
		self = randomHWID()
	}

	link, err := attachLink(*linkKind, self, logger)
	if err != nil {
		logger.Fatal("attaching radio link", "err", err)
	}

	m, err := mesh.New(self, cfg, link, logger)
	if err != nil {
		logger.Fatal("constructing mesh", "err", err)
	}

	m.OnRecv(func(ev mesh.RecvEvent) {
		if cfg.TimestampFormat != "" {
			stamp, _ := strftime.Format(cfg.TimestampFormat, time.Now())
			fmt.Printf("[%s] %s: %s\n", stamp, ev.Sender, string(ev.Payload))
			return
		}
		logger.Info("recv", "from", ev.Sender, "payload", string(ev.Payload))
	})
	m.OnSend(func(ev mesh.SendEvent) {
		logger.Info("send", "target", ev.Target, "status", ev.Status)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer cancel()

	if err := m.Init(ctx); err != nil {
		logger.Fatal("init", "err", err)
	}
	defer m.Deinit() //nolint:errcheck

	logger.Info("node running", "self", self)
	runControlLoop(ctx, m, logger)
}

func attachLink(kind string, self mesh.HWID, logger *log.Logger) (mesh.Link, error) {
	switch kind {
	case "loopback":
		medium := loopback.NewMedium()
		return loopback.NewLink(medium, self), nil
	case "pty":
		link, slavePath, err := ptyframe.Open(self)
		if err != nil {
			return nil, err
		}
		logger.Info("pty radio link ready", "slave", slavePath)
		return link, nil
	default:
		return nil, fmt.Errorf("unknown --link %q", kind)
	}
}

func runControlLoop(ctx context.Context, m *mesh.Mesh, logger *log.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "quit", "exit":
			return
		case "broadcast":
			if len(fields) < 2 {
				continue
			}
			payload := strings.Join(fields[1:], " ")
			if err := m.Send(nil, []byte(payload)); err != nil {
				logger.Error("broadcast failed", "err", err)
			}
		case "send":
			if len(fields) < 3 {
				logger.Error("usage: send <hwid> <payload>")
				continue
			}
			target, err := parseHWID(fields[1])
			if err != nil {
				logger.Error("parsing target hwid", "err", err)
				continue
			}
			if err := m.Send(&target, []byte(fields[2])); err != nil {
				logger.Error("send failed", "err", err)
			}
		default:
			logger.Error("unknown command", "line", line)
		}
	}
}

func parseHWID(s string) (mesh.HWID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != mesh.HWIDSize {
		return mesh.HWID{}, fmt.Errorf("expected %d colon-separated hex octets, got %d", mesh.HWIDSize, len(parts))
	}
	var id mesh.HWID
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return mesh.HWID{}, fmt.Errorf("invalid octet %q", p)
		}
		id[i] = b[0]
	}
	return id, nil
}

func randomHWID() mesh.HWID {
	var id mesh.HWID
	f, err := os.Open("/dev/urandom")
	if err == nil {
		defer f.Close()
		_, _ = f.Read(id[:])
	}
	return id
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
