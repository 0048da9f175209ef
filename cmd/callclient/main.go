// Command callclient is a headless chat and call participant. It connects
// to the signaling relay, optionally places or answers a call, and can
// post to a chat channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/internal/core/services"
	"chathub/internal/infrastructure/monitoring"
	"chathub/internal/infrastructure/rest"
	"chathub/internal/infrastructure/transport"
	webrtcinfra "chathub/internal/infrastructure/webrtc"
	"chathub/pkg/config"
	"chathub/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	token      string
	callPeer   string
	callType   string
	autoAccept bool
	workspace  string
	channel    string
	message    string
	metrics    string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "configs/config.yaml", "path to the config file")
	flag.StringVar(&opts.token, "token", "", "access token (overrides transport.token)")
	flag.StringVar(&opts.callPeer, "call", "", "user ID to call after connecting")
	flag.StringVar(&opts.callType, "type", string(domain.CallTypeAudio), "call type (audio, video)")
	flag.BoolVar(&opts.autoAccept, "auto-accept", false, "accept incoming calls automatically")
	flag.StringVar(&opts.workspace, "workspace", "", "workspace to open")
	flag.StringVar(&opts.channel, "channel", "", "channel to open within the workspace")
	flag.StringVar(&opts.message, "send", "", "message to post to the selected channel")
	flag.StringVar(&opts.metrics, "metrics-addr", "", "serve call metrics on this address (e.g. :9091)")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.token != "" {
		cfg.Transport.Token = opts.token
	}
	self, err := userFromToken(cfg.Transport.Token)
	if err != nil {
		return err
	}

	zapLogger := logger.NewWithOptions(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("user_id", self)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := transport.NewClient(transport.ConfigFrom(cfg), log)
	defer client.Close()
	client.OnStateChange(func(state domain.ConnectionState) {
		log.Infow("Signaling connection state", "state", state)
	})
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}

	factory, err := webrtcinfra.NewFactory(webrtcinfra.ConfigFrom(cfg), log)
	if err != nil {
		return err
	}

	var metrics ports.CallMetrics
	if opts.metrics != "" {
		reg := prometheus.NewRegistry()
		metrics = monitoring.NewPrometheusCollector(reg)
		srv := &http.Server{Addr: opts.metrics, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnw("Metrics server failed", "address", opts.metrics, "error", err)
			}
		}()
		defer srv.Close()
	}

	calls := services.NewCallService(
		self,
		client,
		factory,
		webrtcinfra.NewMediaSource(webrtcinfra.MediaConfigFrom(cfg), log),
		services.CallConfig{RingTimeout: cfg.Call.RingTimeout},
		metrics,
		log,
	)
	defer calls.Close()

	calls.Subscribe(func(snap domain.CallSnapshot) {
		log.Infow("Call state", "call_id", snap.ID, "peer_id", snap.PeerID, "state", snap.State)
		if opts.autoAccept && snap.State == domain.CallStateIncomingRinging {
			// Listeners run with the service unlocked, but Accept blocks on
			// media and SDP work, so it gets its own goroutine.
			go func() {
				if err := calls.Accept(ctx); err != nil {
					log.Warnw("Failed to accept call", "call_id", snap.ID, "error", err)
				}
			}()
		}
	})

	chatCfg := rest.ConfigFrom(cfg)
	chatCfg.Token = func() string { return cfg.Transport.Token }
	restClient, err := rest.NewChatClient(chatCfg, log)
	if err != nil {
		return err
	}
	var api ports.ChatAPI = restClient
	if cfg.ChatAPI.CacheTTL > 0 {
		cached := services.NewCachedChatAPI(restClient, cfg.ChatAPI.CacheTTL)
		defer cached.Stop()
		api = cached
	}
	chat := services.NewChatService(self, api, client, log)
	defer chat.Close()

	if err := openChat(ctx, chat, opts, log); err != nil {
		return err
	}

	if opts.callPeer != "" {
		callType := domain.CallType(opts.callType)
		if !callType.Valid() {
			return fmt.Errorf("unknown call type %q", opts.callType)
		}
		callID, err := calls.StartCall(ctx, domain.UserID(opts.callPeer), callType)
		if err != nil {
			return fmt.Errorf("start call: %w", err)
		}
		log.Infow("Calling", "call_id", callID, "peer_id", opts.callPeer)
	}

	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}

func openChat(ctx context.Context, chat *services.ChatService, opts options, log *zap.SugaredLogger) error {
	if opts.workspace == "" {
		return nil
	}
	if _, err := chat.LoadWorkspaces(ctx); err != nil {
		return fmt.Errorf("load workspaces: %w", err)
	}
	if err := chat.SelectWorkspace(ctx, domain.WorkspaceID(opts.workspace)); err != nil {
		return fmt.Errorf("select workspace: %w", err)
	}

	chat.Subscribe(func(sel domain.ChatSelection) {
		if sel.Channel == nil {
			return
		}
		msgs := chat.Messages(sel.Channel.ID)
		log.Infow("Chat updated", "channel_id", sel.Channel.ID, "messages", len(msgs), "unread", sel.Unread)
	})

	if opts.channel == "" {
		return nil
	}
	if err := chat.SelectChannel(ctx, domain.ChannelID(opts.channel)); err != nil {
		return fmt.Errorf("select channel: %w", err)
	}
	if opts.message != "" {
		if _, err := chat.SendMessage(ctx, opts.message); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// userFromToken reads the user ID out of an access token. The relay
// verifies the signature; the client only needs to know who it is.
func userFromToken(token string) (domain.UserID, error) {
	if token == "" {
		return "", errors.New("no access token: set -token or CHATHUB_TOKEN")
	}
	claims := &services.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	if claims.Kind != services.TokenAccess || claims.UserID == "" {
		return "", errors.New("token is not an access token")
	}
	return claims.UserID, nil
}
