// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/absmach/filemq/bus"
	"github.com/absmach/filemq/config"
	"github.com/absmach/filemq/pkg/otel"
)

var version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "send":
		runSend(os.Args[2:])
	case "read":
		runRead(os.Args[2:])
	case "respond":
		runRespond(os.Args[2:])
	case "ack":
		runAck(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "compact":
		runCompact(os.Args[2:])
	case "stat":
		runStat(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	case "dlq":
		runDLQ(os.Args[2:])
	case "archive":
		runArchive(os.Args[2:])
	case "release":
		runRelease(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "version":
		fmt.Printf("filemq %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// commonFlags registers the flags every command shares.
func commonFlags(fs *flag.FlagSet) (configFile, dir *string) {
	configFile = fs.String("config", "", "Path to configuration file")
	dir = fs.String("dir", "", "Bus directory (overrides configuration)")
	return configFile, dir
}

// setup loads the configuration and installs the logger.
func setup(configFile, dir string) *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if dir != "" {
		cfg.Bus.Dir = dir
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))

	return cfg
}

// openBus opens the bus at the configured directory. Results go to stdout,
// so logs stay on stderr.
func openBus(cfg *config.Config, metrics *bus.Metrics) *bus.Bus {
	opts := append(cfg.BusOptions(), bus.WithLogger(slog.Default()))
	if metrics != nil {
		opts = append(opts, bus.WithMetrics(metrics))
	}

	b, err := bus.New(cfg.Bus.Dir, opts...)
	if err != nil {
		slog.Error("Failed to open bus", "dir", cfg.Bus.Dir, "error", err)
		os.Exit(1)
	}
	return b
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	slog.Info("Starting filemq daemon", "version", version)
	slog.Info("Configuration loaded",
		"dir", cfg.Bus.Dir,
		"ack_deadline", cfg.Ack.Deadline,
		"sweep_interval", cfg.Ack.SweepInterval,
		"compact_threshold", cfg.Compact.Threshold,
		"compact_interval", cfg.Compact.Interval,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var metrics *bus.Metrics

	if cfg.Otel.MetricsEnabled || cfg.Otel.TracesEnabled {
		hostname, _ := os.Hostname()
		instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

		shutdown, err := otel.InitProvider(cfg.Otel, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint)

		if cfg.Otel.MetricsEnabled {
			m, err := bus.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	b := openBus(cfg, metrics)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	maint := bus.NewMaintainer(b, cfg.Ack.SweepInterval, cfg.Compact.Interval)
	maint.Start(ctx)

	slog.Info("filemq daemon started", "dir", cfg.Bus.Dir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)

	maint.Stop()

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	cancel()
	slog.Info("filemq daemon stopped")
}

func runSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	from := fs.String("from", "", "Sender ID (required)")
	to := fs.String("to", "", "Recipient ID, empty or * for everyone")
	msgType := fs.String("type", "notify", "Message type: request, response, notify, task_delegate, broadcast")
	priority := fs.String("priority", "normal", "Priority: blocking, normal, fyi")
	topic := fs.String("topic", "", "Topic for selective reads")
	correlationID := fs.String("correlation-id", "", "ID of the message this one answers")
	ttl := fs.Duration("ttl", 0, "Time to live, 0 for the priority default")
	payload := fs.String("payload", "", "JSON payload, - to read from stdin")
	ack := fs.Bool("ack", false, "Require an acknowledgement")
	ackDeadline := fs.Duration("ack-deadline", 0, "Acknowledgement deadline, 0 for the configured default")
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	mt, err := bus.ParseMessageType(*msgType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid message type %q\n", *msgType)
		os.Exit(1)
	}
	pr, err := bus.ParsePriority(*priority)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid priority %q\n", *priority)
		os.Exit(1)
	}

	body, err := readPayload(*payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read payload: %v\n", err)
		os.Exit(1)
	}

	m := &bus.Message{
		Type:          mt,
		From:          *from,
		To:            *to,
		Priority:      pr,
		Topic:         *topic,
		CorrelationID: *correlationID,
		Payload:       body,
	}
	if *ttl > 0 {
		m.TTL = ttl.Milliseconds()
	}
	if *ack {
		m.Ack = &bus.AckPolicy{Required: true}
		if *ackDeadline > 0 {
			m.Ack.DeadlineMS = ackDeadline.Milliseconds()
		}
	}

	b := openBus(cfg, nil)
	defer b.Close()

	id, err := b.Send(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(id)
}

// readPayload turns the -payload flag into a JSON value. Non-JSON input is
// wrapped as a JSON string.
func readPayload(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}

	var data []byte
	if s == "-" {
		in, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		data = in
	} else {
		data = []byte(s)
	}

	if json.Valid(data) {
		return data, nil
	}
	return json.Marshal(string(data))
}

func runRead(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	consumer := fs.String("consumer", "", "Consumer ID (required)")
	types := fs.String("types", "", "Comma-separated message types to keep")
	topics := fs.String("topics", "", "Comma-separated topics to keep")
	includeExpired := fs.Bool("include-expired", false, "Deliver expired messages too")
	ackAfter := fs.Bool("ack", false, "Acknowledge each batch after printing")
	follow := fs.Bool("follow", false, "Keep reading until interrupted")
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	if *consumer == "" {
		fmt.Fprintln(os.Stderr, "-consumer is required")
		os.Exit(1)
	}

	opts := bus.ReadOptions{IncludeExpired: *includeExpired}
	for _, name := range splitList(*types) {
		mt, err := bus.ParseMessageType(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid message type %q\n", name)
			os.Exit(1)
		}
		opts.Types = append(opts.Types, mt)
	}
	opts.Topics = splitList(*topics)

	b := openBus(cfg, nil)
	defer b.Close()

	drain := func() {
		res, err := b.Read(*consumer, opts)
		if err != nil {
			slog.Error("Read failed", "consumer", *consumer, "error", err)
			os.Exit(1)
		}

		ids := make([]string, 0, len(res.Messages))
		for _, m := range res.Messages {
			line, err := bus.EncodeLine(m)
			if err != nil {
				slog.Error("Failed to encode message", "id", m.ID, "error", err)
				continue
			}
			os.Stdout.Write(line)
			ids = append(ids, m.ID)
		}

		if *ackAfter && len(ids) > 0 {
			if err := b.Acknowledge(*consumer, res.Cursor, ids); err != nil {
				slog.Error("Acknowledge failed", "consumer", *consumer, "error", err)
				os.Exit(1)
			}
		}
	}

	drain()
	if !*follow {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wake markers give low latency for blocking messages; the ticker picks
	// up everything else.
	w := b.Watch(*consumer, cfg.Wake.PollInterval)
	w.Start(ctx)
	defer w.Stop()

	ticker := time.NewTicker(10 * cfg.Wake.PollInterval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigChan:
			return
		case <-w.C():
		case <-ticker.C:
		}
		drain()
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runRespond(args []string) {
	fs := flag.NewFlagSet("respond", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	from := fs.String("from", "", "Responder ID (required)")
	id := fs.String("id", "", "ID of the message to confirm (required)")
	nack := fs.Bool("nack", false, "Reject instead of acknowledging")
	reason := fs.String("reason", "", "Rejection reason")
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	b := openBus(cfg, nil)
	defer b.Close()

	original, err := b.Lookup(*id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lookup failed: %v\n", err)
		os.Exit(1)
	}

	var respID string
	if *nack {
		respID, err = b.SendNack(*from, original, *reason)
	} else {
		respID, err = b.SendAck(*from, original)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Respond failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(respID)
}

func runAck(args []string) {
	fs := flag.NewFlagSet("ack", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	consumer := fs.String("consumer", "", "Consumer ID (required)")
	ids := fs.String("ids", "", "Comma-separated message IDs to mark processed")
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	b := openBus(cfg, nil)
	defer b.Close()

	if err := b.Acknowledge(*consumer, nil, splitList(*ids)); err != nil {
		fmt.Fprintf(os.Stderr, "Acknowledge failed: %v\n", err)
		os.Exit(1)
	}
}

func runSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	b := openBus(cfg, nil)
	defer b.Close()

	res, err := b.ProcessAckTimeouts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sweep failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(res)
}

func runCompact(args []string) {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	b := openBus(cfg, nil)
	defer b.Close()

	res, err := b.Compact()
	if err != nil {
		if errors.Is(err, bus.ErrCompactionRunning) {
			fmt.Fprintln(os.Stderr, "Another process is compacting; try again later")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Compaction failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(res)
}

func runStat(args []string) {
	fs := flag.NewFlagSet("stat", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	b := openBus(cfg, nil)
	defer b.Close()

	st, err := b.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stat failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(st)
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	b := openBus(cfg, nil)
	defer b.Close()

	res, err := b.Verify()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("messages:        %d\n", res.Messages)
	fmt.Printf("malformed lines: %d\n", res.MalformedLines)
	fmt.Printf("pending acks:    %d (malformed %d)\n", res.PendingEntries, res.MalformedAcks)
	fmt.Printf("dlq entries:     %d (malformed %d)\n", res.DLQEntries, res.MalformedDLQ)
	for _, id := range res.DuplicateIDs {
		fmt.Printf("duplicate id:    %s\n", id)
	}
	for _, key := range res.DuplicateSeqs {
		fmt.Printf("duplicate seq:   %s\n", key)
	}
	for _, c := range res.InvalidCursors {
		fmt.Printf("invalid cursor:  %s\n", c)
	}
	for _, e := range res.Errors {
		fmt.Printf("error:           %v\n", e)
	}

	if !res.Clean() {
		os.Exit(1)
	}
	fmt.Println("clean")
}

func runDLQ(args []string) {
	fs := flag.NewFlagSet("dlq", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	clearAll := fs.Bool("clear", false, "Remove all dead-lettered messages")
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	b := openBus(cfg, nil)
	defer b.Close()

	if *clearAll {
		if err := b.ClearDLQ(); err != nil {
			fmt.Fprintf(os.Stderr, "Clear failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	entries, err := b.DLQMessages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "DLQ read failed: %v\n", err)
		os.Exit(1)
	}
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			slog.Error("Failed to encode DLQ entry", "id", e.MessageID, "error", err)
			continue
		}
		fmt.Printf("%s\n", line)
	}
}

func runArchive(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	read := fs.String("read", "", "Print the contents of one archived segment")
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	b := openBus(cfg, nil)
	defer b.Close()

	if *read != "" {
		data, err := b.ReadArchive(*read)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Archive read failed: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		return
	}

	names, err := b.Archives()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Archive list failed: %v\n", err)
		os.Exit(1)
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

func runRelease(args []string) {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	consumer := fs.String("consumer", "", "Consumer ID (required)")
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	b := openBus(cfg, nil)
	defer b.Close()

	if err := b.ReleaseConsumer(*consumer); err != nil {
		fmt.Fprintf(os.Stderr, "Release failed: %v\n", err)
		os.Exit(1)
	}
}

func runConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configFile, dir := commonFlags(fs)
	write := fs.String("write", "", "Write the effective configuration to a file")
	fs.Parse(args)

	cfg := setup(*configFile, *dir)

	if *write != "" {
		if err := cfg.Save(*write); err != nil {
			fmt.Fprintf(os.Stderr, "Config write failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config encode failed: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(data)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode result: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", data)
}

func printUsage() {
	fmt.Println(`filemq - brokerless file-based message bus

Usage:
  filemq <command> [options]

Commands:
  daemon    Run timeout sweeps and compaction in the background
  send      Append a message to the bus
  read      Read new messages for a consumer
  respond   Acknowledge or reject a received message
  ack       Mark message IDs as processed for a consumer
  sweep     Run one ack-timeout sweep
  compact   Compact the log now
  stat      Show bus statistics
  verify    Check on-disk state for defects
  dlq       List or clear dead-lettered messages
  archive   List or print compacted segments
  release   Drop a consumer's cursor and wake marker
  config    Print or write the effective configuration
  version   Show version information
  help      Show this help message

All commands accept -config <path> and -dir <path>.

Examples:
  filemq send -dir /var/run/team -from agent-1 -to agent-2 -type request -priority blocking -ack -payload '{"action":"review"}'
  filemq read -dir /var/run/team -consumer agent-2 -follow -ack
  filemq respond -dir /var/run/team -from agent-2 -id 1756txxx-ab12cd34
  filemq daemon -config /etc/filemq/config.yaml`)
}
