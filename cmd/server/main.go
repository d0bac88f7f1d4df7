// Command server is the production entrypoint: it wires the WebSocket
// connection manager (C9), the telephony/WebRTC transports (C10), the
// session supervisor (C11), and every composition-root object (circuit
// breaker registry, usage manager, agent store, LLM cache, metrics
// registry) together behind an HTTP server, in place of the Python
// original's module-level singletons.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/agentstore"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/cache"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/config"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/logging"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/metrics"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/orchestrator"
	llmprovider "github.com/lokutor-ai/voiceagent-orchestrator/pkg/providers/llm"
	sttprovider "github.com/lokutor-ai/voiceagent-orchestrator/pkg/providers/stt"
	ttsprovider "github.com/lokutor-ai/voiceagent-orchestrator/pkg/providers/tts"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/ratelimit"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/resilience"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/session"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/transport"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/transport/twilio"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/transport/webrtc"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/usage"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/wsmanager"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.NewZapLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	breakers := resilience.NewRegistry(resilience.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		SuccessThreshold: 2,
		Timeout:          cfg.CircuitTimeoutSeconds,
		HalfOpenMaxCalls: 1,
	})

	llmCache := newLLMCache(cfg)
	agentDB := newAgentStore(cfg)
	callLimiter := newRateLimiter(cfg)
	usageMgr := usage.NewManager()
	metricsReg := metrics.New()

	wsMgr := wsmanager.NewManager(wsmanager.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleTimeout:      cfg.StaleTimeout,
		MaxConnections:    cfg.MaxConnections,
	}, func(ci *wsmanager.ConnectionInfo, reason wsmanager.DisconnectReason) {
		logger.Info("connection closed", "connID", ci.ID, "reason", reason)
	})

	twilioAdapter := twilio.New(cfg.TwilioAccountSID, cfg.TwilioAuthToken, os.Getenv("TWILIO_FROM_NUMBER"), os.Getenv("PUBLIC_MEDIA_HOST"))
	webrtcAdapter := webrtc.New()

	sup := session.NewSupervisor(session.Deps{
		WSManager:       wsMgr,
		UsageMgr:        usageMgr,
		AgentStore:      agentDB,
		AudioCfg:        orchestrator.DefaultConfig(),
		BargeInCooldown: cfg.BargeInCooldown,
		Factory:         providerFactory(cfg, breakers, llmCache, logger),
		OnSessionEnd: func(rec usage.Record) {
			metricsReg.ObserveUsage(rec)
			logger.Info("session ended", "sessionID", rec.SessionID, "sttSeconds", rec.STTSeconds)
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsReg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/voice/incoming", incomingCallHandler(twilioAdapter, logger))
	mux.HandleFunc("/media/{agent_id}", mediaHandler(wsMgr, twilioAdapter, sup, callLimiter, logger))
	// The browser WebRTC path only answers the SDP offer here; establishing
	// the PeerConnection and starting a session from it requires holding
	// the negotiated connection across requests (e.g. in a signaling
	// server keyed by a client-generated call id), which is out of scope
	// for this minimal HTTP surface (see DESIGN.md).
	mux.HandleFunc("/webrtc/offer/{agent_id}", webrtcOfferHandler(webrtcAdapter, logger))

	go reportBreakerStates(breakers, metricsReg, 10*time.Second)

	addr := ":" + getEnvOr("PORT", "8080")
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("draining: stopping sessions and connections")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sup.StopAll()
	wsMgr.Stop()
	_ = srv.Shutdown(drainCtx)
}

// reportBreakerStates periodically snapshots every registered circuit
// breaker's state into the metrics registry, so /metrics reflects
// breakers that haven't changed state recently (a pure event-driven
// gauge would otherwise go stale between transitions).
func reportBreakerStates(breakers *resilience.Registry, m *metrics.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		for name, cb := range breakers.All() {
			m.ObserveCircuitBreaker(name, cb.State())
		}
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLLMCache(cfg config.Config) *cache.Cache {
	var store cache.Store
	if cfg.LLMCacheBackend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store = cache.NewRedisStore(client, "llmcache:")
	} else {
		store = cache.NewMemoryStore(cfg.LLMCacheMaxSize)
	}
	return cache.New(store, cfg.LLMCacheTTL)
}

func newAgentStore(cfg config.Config) agentstore.Store {
	if cfg.LLMCacheBackend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return agentstore.NewRedisStore(client, "agentstore:")
	}
	return agentstore.NewMemoryStore()
}

// newRateLimiter builds the per-agent call-rate limiter used to gate new
// media sessions. The redis backend shares the limit across every
// orchestrator process; the memory backend only sees its own process's
// traffic.
func newRateLimiter(cfg config.Config) ratelimit.Limiter {
	if cfg.RateLimitBackend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return ratelimit.NewRedisSlidingWindow(client, "ratelimit:", cfg.RateLimitPerAgent, cfg.RateLimitWindow)
	}
	return ratelimit.NewSlidingWindow(cfg.RateLimitPerAgent, cfg.RateLimitWindow)
}

// providerFactory instantiates the STT/LLM/TTS/VAD set for an agent's
// tool-config, wiring each LLM/TTS provider call through the shared
// circuit breaker registry (one breaker per provider name) and the LLM
// cache, per spec.md §4.3/§4.4.
func providerFactory(cfg config.Config, breakers *resilience.Registry, llmCache *cache.Cache, logger *logging.ZapLogger) session.ProviderFactory {
	return func(agentCfg agentstore.AgentConfig) (session.Providers, error) {
		stt, err := buildSTT(agentCfg, cfg)
		if err != nil {
			return session.Providers{}, err
		}
		llm, err := buildLLM(agentCfg, cfg, llmCache)
		if err != nil {
			return session.Providers{}, err
		}
		if cfg.LokutorAPIKey == "" {
			return session.Providers{}, fmt.Errorf("LOKUTOR_API_KEY must be set")
		}
		tts := ttsprovider.NewLokutorTTS(cfg.LokutorAPIKey)
		vad := orchestrator.NewRMSVAD(0.02, 600*time.Millisecond)

		retryCfg := resilience.DefaultRetryConfig()
		llmRetry := resilience.NewRetryPolicy(retryCfg, breakers.Get(llm.Name()))
		ttsRetry := resilience.NewRetryPolicy(retryCfg, breakers.Get(tts.Name()))

		return session.Providers{
			STT: stt, LLM: llm, TTS: tts, VAD: vad,
			LLMRetry: llmRetry, TTSRetry: ttsRetry,
		}, nil
	}
}

func buildSTT(agentCfg agentstore.AgentConfig, cfg config.Config) (orchestrator.STTProvider, error) {
	name := agentCfg.STTProvider
	if name == "" {
		name = cfg.STTProvider
	}
	switch name {
	case "openai":
		return sttprovider.NewOpenAISTT(cfg.OpenAIAPIKey, "whisper-1"), nil
	case "deepgram":
		return sttprovider.NewDeepgramSTT(cfg.DeepgramAPIKey), nil
	case "assemblyai":
		return sttprovider.NewAssemblyAISTT(cfg.AssemblyAIAPIKey), nil
	case "groq", "":
		return sttprovider.NewGroqSTT(cfg.GroqAPIKey, "whisper-large-v3"), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", name)
	}
}

// buildLLM instantiates the vendor LLM client for agentCfg/cfg and wraps it
// in cache.CachedLLM so repeated turns (per spec.md §8 S4) resolve from the
// shared LLM response cache instead of re-calling the provider.
func buildLLM(agentCfg agentstore.AgentConfig, cfg config.Config, llmCache *cache.Cache) (orchestrator.LLMProvider, error) {
	name := agentCfg.LLMProvider
	if name == "" {
		name = cfg.LLMProvider
	}

	var provider orchestrator.LLMProvider
	var model string
	switch name {
	case "openai":
		model = "gpt-4o-mini"
		provider = llmprovider.NewOpenAILLM(cfg.OpenAIAPIKey, model)
	case "anthropic":
		model = "claude-3-5-haiku-20241022"
		provider = llmprovider.NewAnthropicLLM(cfg.AnthropicAPIKey, model)
	case "google":
		model = "gemini-1.5-flash"
		provider = llmprovider.NewGoogleLLM(cfg.GoogleAPIKey, model)
	case "groq", "":
		model = "llama-3.3-70b-versatile"
		provider = llmprovider.NewGroqLLM(cfg.GroqAPIKey, model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}

	return &cache.CachedLLM{Provider: provider, Cache: llmCache, Model: model}, nil
}

// incomingCallHandler answers a Twilio webhook with TwiML pointing the
// carrier's media stream back at /media/{agent_id}.
func incomingCallHandler(adapter transport.Adapter, logger *logging.ZapLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, contentType, err := adapter.OnIncoming(r)
		if err != nil {
			logger.Error("incoming call", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(doc)
	}
}

// mediaHandler upgrades the carrier's media WebSocket and starts a
// session for the named agent, per spec.md §4.10 step 1.
func mediaHandler(wsMgr *wsmanager.Manager, adapter transport.Adapter, sup *session.Supervisor, limiter ratelimit.Limiter, logger *logging.ZapLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.PathValue("agent_id")

		if res := limiter.Check(agentID); !res.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		sessionID := uuid.NewString()

		conn, err := wsMgr.Accept(w, r, nil, "", agentID, sessionID)
		if err != nil {
			logger.Error("accept media socket", "error", err)
			return
		}

		ctx := r.Context()
		if _, err := sup.Start(ctx, session.StartParams{
			SessionID:     sessionID,
			AgentID:       agentID,
			TransportKind: adapter.Name(),
			Adapter:       adapter,
			Conn:          conn,
			RawConn:       conn.Conn,
		}); err != nil {
			logger.Error("start session", "error", err, "sessionID", sessionID)
			wsMgr.Disconnect(conn, wsmanager.ReasonSendError)
		}
	}
}

// webrtcOfferHandler answers a browser SDP offer with the negotiated
// answer. See the route comment in main for why it stops there.
func webrtcOfferHandler(adapter transport.Adapter, logger *logging.ZapLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, contentType, err := adapter.OnIncoming(r)
		if err != nil {
			logger.Error("webrtc offer", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(doc)
	}
}
