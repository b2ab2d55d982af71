package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	livechat "github.com/LuminPulse-AI/livechat/sdk/golang"
	"github.com/LuminPulse-AI/livechat/sdk/golang/sqlitestore"
)

const requestTimeout = 30 * time.Second

func newDeviceID() string {
	return uuid.NewString()
}

// fileConfig maps the config file onto a session config.
func fileConfig(cfg *Config) (livechat.Config, error) {
	out := livechat.Config{
		AccountName: cfg.Default.Account,
		Location:    cfg.Default.Location,
		DeviceID:    cfg.Default.DeviceID,
		AppVersion:  "livechat-cli",
		Push:        cfg.Session.Push,
	}
	if cfg.Session.PollInterval != "" {
		d, err := parsePollInterval(cfg.Session.PollInterval)
		if err != nil {
			return out, err
		}
		out.PollInterval = d
	}
	return out, nil
}

// sdkConfig builds the session config from the config file, with
// LIVECHAT_* environment variables taking precedence.
func sdkConfig(cfg *Config) (livechat.Config, error) {
	out, err := fileConfig(cfg)
	if err != nil {
		return out, err
	}
	if err := livechat.ApplyEnv(&out); err != nil {
		return out, err
	}
	if out.AccountName == "" {
		return out, fmt.Errorf("no account configured. Run 'livechat init <account>' first")
	}
	return out, nil
}

func parsePollInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid session.poll_interval %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid session.poll_interval %q: must be positive", s)
	}
	return d, nil
}

// newClient creates the HTTP transport for the configured server.
func newClient(cfg *Config, account string) *livechat.Client {
	target := account
	if cfg.Default.Server != "" {
		target = cfg.Default.Server
	}
	return livechat.NewClient(target, livechat.WithUserAgent("livechat-cli"))
}

func visitorFromConfig(cfg *Config) *livechat.Visitor {
	v := cfg.Visitor
	if v.ID == "" && v.Name == "" && v.Email == "" && v.Phone == "" {
		return nil
	}
	return &livechat.Visitor{ID: v.ID, Name: v.Name, Email: v.Email, Phone: v.Phone}
}

// storePath resolves the SQLite path, by default ~/.livechat/state.db.
func storePath(cfg *Config) (string, error) {
	if cfg.Session.StorePath != "" {
		return cfg.Session.StorePath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

func openStore(cfg *Config) (*sqlitestore.Store, error) {
	path, err := storePath(cfg)
	if err != nil {
		return nil, err
	}
	return sqlitestore.Open(path)
}

// env bundles everything a command needs to build a session.
type env struct {
	cfg    *Config
	sdk    livechat.Config
	client *livechat.Client
	store  *sqlitestore.Store
	opts   []livechat.SessionOption
}

func loadEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	sdk, err := sdkConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	e := &env{
		cfg:    cfg,
		sdk:    sdk,
		client: newClient(cfg, sdk.AccountName),
		store:  store,
		opts: []livechat.SessionOption{
			livechat.WithStore(store),
			livechat.WithLogger(slog.Default()),
		},
	}
	if v := visitorFromConfig(cfg); v != nil {
		e.opts = append(e.opts, livechat.WithVisitor(v))
	}
	return e, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		slog.Warn("failed to close store", "err", err)
	}
}

// startSession creates a realtime session and waits for it to start.
func (e *env) startSession(ctx context.Context, extra ...livechat.SessionOption) (*livechat.Session, error) {
	s, err := e.client.NewSession(e.sdk, append(e.opts, extra...)...)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if _, err := s.Start().Wait(waitCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return s, nil
}

func (e *env) openOffline(ctx context.Context) (*livechat.OfflineSession, error) {
	s, err := e.client.NewOfflineSession(e.sdk, e.opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// wait blocks on an operation with the request timeout.
func wait[T any](ctx context.Context, f *livechat.Future[T]) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return f.Wait(ctx)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func printMessage(m *livechat.Message) {
	ts := time.UnixMicro(m.Timestamp).Format("15:04:05")
	who := valueOrDefault(m.SenderName, string(m.Kind))
	if m.Kind == livechat.MessageVisitor || m.Kind == livechat.MessageFileFromVisitor {
		who = "you"
	}
	text := m.Text
	if m.File != nil {
		text = fmt.Sprintf("[file] %s (%s, %d bytes)", m.File.Filename, m.File.ContentType, m.File.Size)
	}
	status := ""
	if m.Status != "" && m.Status != livechat.StatusSent {
		status = " (" + string(m.Status) + ")"
	}
	fmt.Printf("[%s] %s: %s%s\n", ts, who, strings.TrimSpace(text), status)
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
