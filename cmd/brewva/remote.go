package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brewva/brewva/internal/gateway/client"
	"github.com/brewva/brewva/internal/gateway/config"
	"github.com/brewva/brewva/internal/gateway/pidfile"
	"github.com/brewva/brewva/internal/gateway/protocol"
)

// schemaTag builds the versioned schema field on every JSON output.
func schemaTag(command string) string {
	return "brewva.gateway." + command + ".v1"
}

// emit prints a result envelope: the JSON form carries the schema tag,
// the human form prints key: value lines.
func emit(jsonOut bool, command string, fields map[string]any) {
	if jsonOut {
		out := map[string]any{"schema": schemaTag(command)}
		for k, v := range fields {
			out[k] = v
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}
	for _, k := range sortedKeys(fields) {
		fmt.Printf("%s: %v\n", k, renderValue(fields[k]))
	}
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.RawMessage:
		return string(t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fail reports a command failure on stderr (human) or stdout (JSON).
func fail(jsonOut bool, command string, err error) {
	if jsonOut {
		emit(true, command, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	fmt.Fprintf(os.Stderr, "brewva %s: %v\n", command, err)
}

// remoteFlags are the flags shared by every command that talks to a
// running gateway.
type remoteFlags struct {
	host       string
	port       int
	stateDir   string
	configFile string
	timeoutMs  int
	jsonOut    bool
}

func (rf *remoteFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&rf.host, "host", "", "gateway host (default from config/pid file)")
	fs.IntVar(&rf.port, "port", 0, "gateway port (default from config/pid file)")
	fs.StringVar(&rf.stateDir, "state-dir", "", "gateway state directory")
	fs.StringVar(&rf.configFile, "config-file", "", "daemon config YAML")
	fs.IntVar(&rf.timeoutMs, "timeout-ms", 5000, "request timeout in milliseconds (>=100)")
	fs.BoolVar(&rf.jsonOut, "json", false, "JSON output")
}

// loadConfig merges defaults, config file, env, and explicit flags.
func (rf *remoteFlags) loadConfig() (*config.Config, error) {
	overrides := map[string]any{}
	if rf.host != "" {
		overrides["host"] = rf.host
	}
	if rf.port != 0 {
		overrides["port"] = rf.port
	}
	if rf.stateDir != "" {
		overrides["state_dir"] = rf.stateDir
	}
	return config.Load(rf.configFile, overrides)
}

// endpoint resolves the gateway address: explicit flags win, then a
// live PID record, then configured defaults.
func endpoint(cfg *config.Config, rf *remoteFlags) (string, *pidfile.Record) {
	rec, _ := pidfile.Read(cfg.PIDFile)

	host := cfg.Host
	port := cfg.Port
	if rec != nil && rf.host == "" && rf.port == 0 {
		host = rec.Host
		port = rec.Port
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), rec
}

// readToken loads the gateway token without creating one.
func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// dial connects and authenticates to the gateway named by cfg.
func dial(ctx context.Context, cfg *config.Config, rf *remoteFlags) (*client.Client, error) {
	token, err := readToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	addr, _ := endpoint(cfg, rf)
	return client.Dial(ctx, client.Options{
		URL:           "ws://" + addr + "/gateway",
		Token:         token,
		ClientID:      "brewva-cli",
		ClientVersion: version,
	})
}

// runRemote handles the single-call commands: heartbeat-reload and
// rotate-token.
func runRemote(command string, args []string) int {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	var rf remoteFlags
	rf.register(fs)
	_ = fs.Parse(args)

	method := map[string]string{
		"heartbeat-reload": protocol.MethodHeartbeatReload,
		"rotate-token":     protocol.MethodRotateToken,
	}[command]

	cfg, err := rf.loadConfig()
	if err != nil {
		fail(rf.jsonOut, command, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(rf.timeoutMs)*time.Millisecond)
	defer cancel()

	c, err := dial(ctx, cfg, &rf)
	if err != nil {
		fail(rf.jsonOut, command, err)
		return 1
	}
	defer c.Close()

	payload, err := c.Call(ctx, method, struct{}{})
	if err != nil {
		fail(rf.jsonOut, command, err)
		return 1
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		fail(rf.jsonOut, command, err)
		return 1
	}
	emit(rf.jsonOut, command, fields)
	return 0
}
