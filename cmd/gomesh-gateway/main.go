// gomesh-gateway wraps one mesh node in a TCP server: it accepts any number
// of client connections, relays every RecvEvent/SendEvent out as a JSON line
// per client, and accepts JSON lines back in to drive Send/broadcast. It
// also announces itself over mDNS so a client doesn't need to know the
// host's address in advance.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/kd7nxl/gomesh/discovery"
	"github.com/kd7nxl/gomesh/mesh"
	"github.com/kd7nxl/gomesh/radio/loopback"
	"github.com/kd7nxl/gomesh/radio/ptyframe"
)

// clientMessage is one line a client sends to the gateway.
type clientMessage struct {
	Op      string `json:"op"`      // "send" or "broadcast"
	Target  string `json:"target"`  // required for "send", colon-hex hwid
	Payload string `json:"payload"` // UTF-8 payload text
}

// gatewayEvent is one line the gateway sends to every attached client.
type gatewayEvent struct {
	Event   string `json:"event"`             // "recv" or "send"
	Time    string `json:"time,omitempty"`    // formatted per timestamp_format
	Source  string `json:"source,omitempty"`  // recv: who it came from
	Target  string `json:"target,omitempty"`  // send: who it was addressed to
	Status  string `json:"status,omitempty"`  // send: "success" or "fail"
	Payload string `json:"payload,omitempty"` // recv: message body
}

func main() {
	var (
		configFile  = pflag.StringP("config-file", "c", "", "YAML configuration file. Defaults baked in if omitted.")
		hwidStr     = pflag.StringP("hwid", "i", "", `This node's 6-byte hardware id, hex like "AA:BB:CC:DD:EE:FF". Random if omitted.`)
		linkKind    = pflag.StringP("link", "l", "loopback", `Radio link to attach: "loopback" (testing only) or "pty" (prints the slave device path to connect a peer).`)
		tcpPort     = pflag.IntP("port", "p", 7773, "TCP port to accept gateway clients on.")
		serviceName = pflag.StringP("name", "n", "", "mDNS service name to announce. Defaults to a generated name.")
		noAnnounce  = pflag.Bool("no-announce", false, "Disable mDNS/DNS-SD announcement.")
		logLevel    = pflag.StringP("log-level", "v", "info", "Log level: debug, info, warn, error.")
		help        = pflag.BoolP("help", "h", false, "Display help text.")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - run a gomesh node behind a TCP/JSON gateway.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: gomesh-gateway [options]\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Clients connect over TCP and exchange newline-delimited JSON:\n")
		fmt.Fprintf(os.Stderr, `  -> {"op":"send","target":"AA:BB:CC:DD:EE:FF","payload":"hi"}`+"\n")
		fmt.Fprintf(os.Stderr, `  -> {"op":"broadcast","payload":"hi everyone"}`+"\n")
		fmt.Fprintf(os.Stderr, `  <- {"event":"recv","source":"AA:BB:CC:DD:EE:FF","payload":"hi"}`+"\n")
		fmt.Fprintf(os.Stderr, `  <- {"event":"send","target":"AA:BB:CC:DD:EE:FF","status":"success"}`+"\n")
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

	gw := newGateway(m, logger, cfg.TimestampFormat)
	m.OnRecv(gw.onRecv)
	m.OnSend(gw.onSend)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer cancel()

	if err := m.Init(ctx); err != nil {
		logger.Fatal("init", "err", err)
	}
	defer m.Deinit() //nolint:errcheck

	if !*noAnnounce {
		if err := discovery.Announce(ctx, logger, *serviceName, *tcpPort); err != nil {
			logger.Error("discovery announce failed, continuing without it", "err", err)
		}
	}

	logger.Info("gateway listening", "self", self, "port", *tcpPort)
	if err := gw.listenAndServe(ctx, *tcpPort); err != nil {
		logger.Error("gateway stopped", "err", err)
	}
}

// gateway fans RecvEvent/SendEvent out to every connected client and accepts
// client requests back into the mesh node. There is no per-client
// subscription or filtering; every client sees every event.
type gateway struct {
	m        *mesh.Mesh
	log      *log.Logger
	tsFormat string

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn net.Conn
	out  chan gatewayEvent
}

func newGateway(m *mesh.Mesh, logger *log.Logger, tsFormat string) *gateway {
	return &gateway{m: m, log: logger, tsFormat: tsFormat, clients: make(map[*client]struct{})}
}

// stamp formats the current time per the configured timestamp_format, or
// returns "" (omitting the field from the JSON line) when none is set.
func (g *gateway) stamp() string {
	if g.tsFormat == "" {
		return ""
	}
	formatted, err := strftime.Format(g.tsFormat, time.Now())
	if err != nil {
		return ""
	}
	return formatted
}

func (g *gateway) onRecv(ev mesh.RecvEvent) {
	g.broadcast(gatewayEvent{Event: "recv", Time: g.stamp(), Source: formatHWID(ev.Sender), Payload: string(ev.Payload)})
}

func (g *gateway) onSend(ev mesh.SendEvent) {
	status := "success"
	if ev.Status == mesh.SendFail {
		status = "fail"
	}
	g.broadcast(gatewayEvent{Event: "send", Time: g.stamp(), Target: formatHWID(ev.Target), Status: status})
}

func (g *gateway) broadcast(evt gatewayEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.clients {
		select {
		case c.out <- evt:
		default:
			g.log.Warn("client event channel full, dropping event", "remote", c.conn.RemoteAddr())
		}
	}
}

// listenAndServe accepts client connections until ctx is canceled. There is
// no fixed client slot table: any number of clients may attach.
func (g *gateway) listenAndServe(ctx context.Context, port int) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.log.Error("accept failed", "err", err)
			continue
		}
		c := &client{conn: conn, out: make(chan gatewayEvent, 32)}
		g.attach(c)
		go g.serveClient(ctx, c)
	}
}

func (g *gateway) attach(c *client) {
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	g.log.Info("client attached", "remote", c.conn.RemoteAddr())
}

func (g *gateway) detach(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	close(c.out)
	g.log.Info("client detached", "remote", c.conn.RemoteAddr())
}

func (g *gateway) serveClient(ctx context.Context, c *client) {
	defer g.detach(c)
	defer c.conn.Close()

	go func() {
		enc := json.NewEncoder(c.conn)
		for evt := range c.out {
			if err := enc.Encode(evt); err != nil {
				return
			}
		}
	}()

	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			g.log.Warn("client sent invalid JSON", "remote", c.conn.RemoteAddr(), "err", err)
			continue
		}
		g.handleClientMessage(msg, c)
	}
}

func (g *gateway) handleClientMessage(msg clientMessage, c *client) {
	switch msg.Op {
	case "broadcast":
		if err := g.m.Send(nil, []byte(msg.Payload)); err != nil {
			g.log.Error("broadcast failed", "remote", c.conn.RemoteAddr(), "err", err)
		}
	case "send":
		target, err := parseHWID(msg.Target)
		if err != nil {
			g.log.Error("parsing target hwid", "remote", c.conn.RemoteAddr(), "err", err)
			return
		}
		if err := g.m.Send(&target, []byte(msg.Payload)); err != nil {
			g.log.Error("send failed", "remote", c.conn.RemoteAddr(), "err", err)
		}
	default:
		g.log.Warn("unknown op", "remote", c.conn.RemoteAddr(), "op", msg.Op)
	}
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

func parseHWID(s string) (mesh.HWID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != mesh.HWIDSize {
		return mesh.HWID{}, fmt.Errorf("expected %d colon-separated hex octets, got %d", mesh.HWIDSize, len(parts))
	}
	var id mesh.HWID
	for i, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil {
			return mesh.HWID{}, fmt.Errorf("invalid octet %q", p)
		}
		id[i] = b
	}
	return id, nil
}

func formatHWID(id mesh.HWID) string {
	parts := make([]string, len(id))
	for i, b := range id {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
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
