package http

import (
	"context"
	"net/http"
	"time"

	"skysettle/internal/config"
	"skysettle/internal/domain"
	"skysettle/internal/infra/db"
	"skysettle/internal/infra/ledger"
	"skysettle/internal/infra/memstore"
	"skysettle/internal/infra/messaging"
	"skysettle/internal/infra/oracle"
	"skysettle/internal/infra/policyopa"
	"skysettle/internal/infra/randomness"
	"skysettle/internal/infra/ratelimit"
	"skysettle/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg   config.Config
	store *db.Store
	r     *gin.Engine

	settlement *usecase.Settlement
	quotes     *randomness.Store
	audit      domain.AuditRepository
	oracle     *oracle.Oracle
	events     domain.EventPublisher

	adminAPIKey string

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool

	initErr error
}

func NewServer(cfg config.Config, store *db.Store) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{cfg: cfg, store: store, r: r}
	s.initDeps()
	s.routes()
	return s
}

type ServerDeps struct {
	Settlement *usecase.Settlement
	Quotes     *randomness.Store
	Audit      domain.AuditRepository
	Oracle     *oracle.Oracle
	Events     domain.EventPublisher

	AdminAPIKey string
	RateLimiter domain.RateLimiter
}

func NewServerWithDeps(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:         cfg,
		r:           r,
		settlement:  deps.Settlement,
		quotes:      deps.Quotes,
		audit:       deps.Audit,
		oracle:      deps.Oracle,
		events:      deps.Events,
		adminAPIKey: deps.AdminAPIKey,
	}
	s.initRateLimit(deps.RateLimiter)
	s.routes()
	return s
}

func (s *Server) initDeps() {
	s.adminAPIKey = s.cfg.AdminAPIKey
	log := logrus.StandardLogger()
	if level, err := logrus.ParseLevel(s.cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	var (
		requests   domain.RequestRepository
		records    domain.AttestationRepository
		randomRepo domain.RandomnessRepository
	)
	if s.store.Available() {
		requests = db.NewRequestRepository(s.store.DB)
		records = db.NewAttestationRepository(s.store.DB)
		randomRepo = db.NewRandomnessRepository(s.store.DB)
		s.audit = db.NewAuditEventRepository(s.store.DB)
	} else {
		requests = memstore.NewRequests()
		records = memstore.NewAttestations()
		randomRepo = memstore.NewRandomness()
		s.audit = memstore.NewAudit()
	}

	var events domain.EventPublisher
	if len(s.cfg.KafkaBrokers) > 0 {
		if kafkaPub, err := messaging.NewKafkaPublisher(messaging.KafkaConfig{
			Brokers: s.cfg.KafkaBrokers,
			Topic:   s.cfg.KafkaTopic,
		}, log); err == nil {
			events = kafkaPub
		} else {
			log.WithError(err).Warn("kafka publisher unavailable, events stay local")
		}
	}
	if events == nil {
		events = messaging.NewMockPublisher()
	}
	s.events = events

	auditEmitter := usecase.NewAuditEmitter(s.audit, log)
	led := ledger.New(
		ledger.Config{MinPayment: s.cfg.MinPayment, Payee: s.cfg.Payee},
		requests,
		ledger.CommitmentVerifier{},
		events,
		auditEmitter,
		log,
	)

	var hub oracle.HubClient
	if s.cfg.HubAPIURL != "" && s.cfg.VerifierAPIURL != "" {
		if h, err := oracle.NewHub(s.cfg.VerifierAPIURL, s.cfg.HubAPIURL, s.cfg.VerifierAPIKey, nil); err == nil {
			hub = h
		} else {
			log.WithError(err).Warn("hub client unavailable")
		}
	}
	var da oracle.DAClient
	if s.cfg.DALayerAPIURL != "" {
		if d, err := oracle.NewDALayer(s.cfg.DALayerAPIURL, nil); err == nil {
			da = d
		} else {
			log.WithError(err).Warn("da layer client unavailable")
		}
	}
	s.oracle = oracle.New(oracle.Config{
		PollInitial: s.cfg.PollInitial(),
		PollMax:     s.cfg.PollMax(),
		PollCeiling: s.cfg.PollCeiling(),
	}, hub, da, led, records, requests, log)

	var beacon domain.Beacon
	if s.cfg.BeaconURL != "" {
		if b, err := randomness.NewHTTPBeacon(s.cfg.BeaconURL, nil); err == nil {
			beacon = b
		} else {
			log.WithError(err).Warn("beacon client unavailable")
		}
	}
	s.quotes = randomness.NewStore(beacon, randomRepo)

	var policy usecase.PolicyGate
	if s.cfg.PolicyBundlePath != "" {
		engine, err := policyopa.NewEngineFromBundlePath(context.Background(), s.cfg.PolicyBundlePath, "purchase")
		if err != nil {
			s.initErr = err
			return
		}
		policy = engine
	}

	s.settlement = usecase.NewSettlement(led, s.oracle, s.quotes, policy, log)
	s.initRateLimit(nil)
}

func (s *Server) initRateLimit(override domain.RateLimiter) {
	if override != nil {
		s.rateLimiter = override
	}
	if s.rateLimiter == nil && s.cfg.RateLimitRequests > 0 {
		if s.cfg.RedisAddr != "" {
			if limiter, err := ratelimit.NewRedisLimiter(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB, nil); err == nil {
				s.rateLimiter = limiter
			}
		}
		if s.rateLimiter == nil {
			s.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
				MaxKeys: s.cfg.RateLimitMaxKeys,
			})
		}
	}
	s.rateLimitRequests = s.cfg.RateLimitRequests
	if s.cfg.RateLimitWindowSeconds > 0 {
		s.rateLimitWindow = time.Duration(s.cfg.RateLimitWindowSeconds) * time.Second
	}
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		dbMode := "no-db"
		if s.store.Available() {
			dbMode = "db"
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": dbMode})
	})

	v1 := s.r.Group("/v1")
	{
		v1.POST("/purchase", s.handlePurchase)
		v1.POST("/verify", s.handleVerify)
		v1.GET("/requests/:request_id", s.handleStatus)
		v1.GET("/requests/:request_id/audit", s.handleAudit)
		v1.POST("/requests/:request_id/refund", s.handleAdminRefund)
		v1.GET("/config", s.handleConfig)

		v1.POST("/randomness/:id", s.handleStoreRandomness)
		v1.GET("/randomness/:id", s.handleGetRandomness)
		v1.GET("/randomness/:id/price", s.handlePrice)
	}

	s.r.NoRoute(s.handleNoRoute)
}

// Handler exposes the router for tests and for embedding behind an
// outer mux.
func (s *Server) Handler() http.Handler {
	return s.r
}

// Close stops the background polling loops and flushes the event
// publisher.
func (s *Server) Close() {
	if s.oracle != nil {
		s.oracle.Close()
	}
	if s.events != nil {
		_ = s.events.Close()
	}
}

func (s *Server) Run() error {
	if s.initErr != nil {
		return s.initErr
	}
	return s.r.Run(s.cfg.HTTPAddr)
}
