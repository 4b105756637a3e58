package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/broker"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

var (
	flagConfig = flag.String("config", "", "optional TOML config file, keys are flag names; flags given on the command line win")

	flagBackendURL = flag.String("backend-url", "http://127.0.0.1:8080", "chat backend base url")
	flagBrokerURL  = flag.String("broker-url", "ws://127.0.0.1:8080/ws", "broker url: ws://, wss://, nats:// or kafka://host:port[,host:port]")
	flagToken      = flag.String("token", "", "credential (JWT) sent to the backend and the broker")
	flagUserID     = flag.String("user-id", "", "identity of the authenticated session, optional")
	flagUserName   = flag.String("user-name", "", "display name of the authenticated session, optional")

	flagCafe = flag.String("cafe", "", "cafe id of the group chat to enter")
	flagDM   = flag.String("dm", "", "user id of the one-on-one chat to enter")

	flagDataFile    = flag.String("data-file", "minichat.db", "local state file")
	flagMetricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address, ip:port")
	flagKafkaGroup  = flag.String("kafka-group", "minichat", "kafka consumer group prefix")

	flagPageSize        = flag.Int("page-size", chat.DefaultPageSize, "history page size")
	flagReadDebounce    = flag.Duration("read-debounce", chat.DefaultReadDebounce, "quiet period before marking inbound messages read")
	flagCallTimeout     = flag.Duration("call-timeout", api.DefaultTimeout, "backend call timeout")
	flagReconnectMax    = flag.Int("reconnect-max-attempts", 0, "reconnect attempts per link loss, 0 means unlimited")
	flagDisableMetrics  = flag.Bool("disable-metrics", false, "disable prometheus metrics even if --metrics-addr is set")
	flagDisableCommands = flag.Bool("disable-commands", false, "do not read commands from stdin, only print")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if *flagConfig != "" {
		if err := loadConfigFile(flag.CommandLine, *flagConfig); err != nil {
			return errorf("--config: %v", err)
		}
	}
	if v := validateFlags(); v > 0 {
		return v
	}

	kv, err := store.OpenBolt(*flagDataFile)
	if err != nil {
		return errorf("open data file `%s` error: %v", *flagDataFile, err)
	}
	defer kv.Close()

	dialer, err := newDialer(*flagBrokerURL)
	if err != nil {
		return errorf("--broker-url: %v", err)
	}

	credential := func() string { return *flagToken }
	profiles := store.NewProfileCache(kv)
	session := &auth.SessionSource{}
	if *flagUserID != "" || *flagUserName != "" {
		session.Set(&auth.Identity{ID: *flagUserID, DisplayName: *flagUserName})
	}
	resolver := auth.NewResolver(profiles,
		session,
		&auth.ProfileSource{Store: profiles},
		&auth.ClaimsSource{Credential: credential},
	)

	if *flagMetricsAddr != "" && !*flagDisableMetrics {
		srv := serveMetrics(*flagMetricsAddr)
		defer func() {
			_ = srv.Close()
		}()
	}

	link := ws.NewManager(dialer, ws.Config{MaxReconnectAttempts: *flagReconnectMax})
	backend := api.NewClient(*flagBackendURL, api.WithToken(credential), api.WithTimeout(*flagCallTimeout))
	client := chat.NewClient(chat.Config{
		PageSize:     *flagPageSize,
		ReadDebounce: *flagReadDebounce,
		CallTimeout:  *flagCallTimeout,
	}, chat.Deps{
		Backend:   backend,
		Transport: link,
		Resolver:  resolver,
		Mapping:   store.NewMappingCache(kv),
		Markers:   store.NewMarkers(kv),
		OnEvent:   printEvent,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	glog.Info("minichat is starting")

	if err := link.Connect(ctx, *flagToken); err != nil {
		return errorf("connect `%s` error: %v", *flagBrokerURL, err)
	}
	defer func() {
		_ = link.Disconnect()
	}()

	kind, key := chatstore.RoomKind_Group, *flagCafe
	if *flagDM != "" {
		kind, key = chatstore.RoomKind_DM, *flagDM
	}
	s, err := client.Enter(ctx, kind, key)
	if err != nil {
		client.Close()
		return errorf("enter %s:%s error: %v", kind, key, err)
	}
	fmt.Printf("* entered %s\n", s.Room())

	doneC := make(chan struct{})
	if !*flagDisableCommands {
		go func() {
			defer close(doneC)
			readCommands(ctx, s, os.Stdin)
		}()
	}

	pid := os.Getpid()
	glog.Infof("`kill -USR1 %d` to dump goroutines; `CTRL+c` or `kill %d` to stop", pid, pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGUSR1 {
				dumpGoroutines()
				continue
			}
			glog.Infof("received signal `%s` stopping", sig.String())
			break loop
		case <-doneC:
			break loop
		}
	}

	cancel()
	client.Close()
	glog.Info("minichat exited")
	return 0
}

// newDialer picks the link by the scheme of the broker url.
func newDialer(rawURL string) (ws.IDialer, error) {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok || rest == "" {
		return nil, fmt.Errorf("invalid url `%s`", rawURL)
	}
	switch scheme {
	case "ws", "wss":
		return &ws.WebsocketDialer{URL: rawURL}, nil
	case "nats", "tls":
		return &broker.NatsDialer{URL: rawURL, Name: "minichat"}, nil
	case "kafka":
		return &broker.KafkaDialer{
			Brokers:     strings.Split(rest, ","),
			GroupPrefix: *flagKafkaGroup,
		}, nil
	}
	return nil, fmt.Errorf("unsupported scheme `%s`", scheme)
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{},
	))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("metrics server error: %v", err)
		}
	}()
	return srv
}

func readCommands(ctx context.Context, s *chat.Session, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runCommand(ctx, s, line); err != nil {
			printError(err)
		}
		if s.State() == chat.StateLeft {
			return
		}
	}
}

func runCommand(ctx context.Context, s *chat.Session, line string) error {
	switch line {
	case "/more":
		added, hasNext, err := s.LoadMore(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("* %d older messages, more: %v\n", len(added), hasNext)
	case "/mute":
		muted, err := s.ToggleMute(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("* muted: %v\n", muted)
	case "/read":
		return s.MarkRead(ctx)
	case "/who":
		ps, err := s.Participants(ctx)
		if err != nil {
			return err
		}
		for _, p := range ps {
			fmt.Printf("* %s (%s)\n", p.DisplayName, p.UserID)
		}
	case "/leave":
		return s.Leave(ctx)
	default:
		return s.Send(ctx, line)
	}
	return nil
}

func printEvent(e chat.Event) {
	switch e.Type {
	case chat.EventMessagesAdded:
		for _, m := range e.Msgs {
			printMsg(m)
		}
	case chat.EventMessagesUpdated:
		for _, m := range e.Msgs {
			glog.V(5).Infof("message %d unread by %d", m.ID, m.UnreadByOthers)
		}
	case chat.EventStateChanged:
		fmt.Printf("* %s: %s\n", e.Key, e.State)
		if e.Err != nil {
			printError(e.Err)
		}
	case chat.EventMuteChanged:
		fmt.Printf("* %s muted: %v\n", e.Key, e.Muted)
	case chat.EventError:
		printError(e.Err)
	}
}

func printMsg(m *chatstore.Msg) {
	switch {
	case m.Type == chatstore.MsgType_DateMarker:
		fmt.Printf("---- %s ----\n", m.Body)
	case !m.Countable():
		fmt.Printf("* %s\n", m.Body)
	case m.Mine:
		fmt.Printf("[%d] me: %s (%d)\n", m.ID, m.Body, m.UnreadByOthers)
	default:
		fmt.Printf("[%d] %s: %s\n", m.ID, m.SenderName, m.Body)
	}
}

func printError(err error) {
	var e *chat.Error
	if errors.As(err, &e) {
		fmt.Printf("! %s\n", e.UserMessage())
	} else {
		fmt.Printf("! %v\n", err)
	}
	glog.Errorf("%v", err)
}

func validateFlags() int {
	if *flagBackendURL == "" {
		return errorf("--backend-url is required")
	}
	if *flagBrokerURL == "" {
		return errorf("--broker-url is required")
	}
	if *flagDataFile == "" {
		return errorf("--data-file is required")
	}
	if (*flagCafe == "") == (*flagDM == "") {
		return errorf("exactly one of --cafe and --dm is required")
	}
	if *flagPageSize < 1 || *flagPageSize > 200 {
		return errorf("--page-size MUST in range [1, 200]")
	}
	if *flagReconnectMax < 0 {
		return errorf("--reconnect-max-attempts MUST not be negative")
	}
	if *flagMetricsAddr != "" {
		if err := validateAddr(*flagMetricsAddr); err != nil {
			return errorf("--metrics-addr: %v", err)
		}
	}
	return 0
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}
