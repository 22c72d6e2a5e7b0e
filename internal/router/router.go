// Package router selects and executes one of four request strategies for
// a translation job: direct model calls with client-held credentials, a
// combined fetch+translate stream, a progressively streamed variant, and
// a queue-based remote service addressed by URL shape.
package router

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MimeLyc/subtitle-orchestrator/internal/cache"
	"github.com/MimeLyc/subtitle-orchestrator/internal/engine"
	"github.com/MimeLyc/subtitle-orchestrator/internal/secrets"
	"github.com/MimeLyc/subtitle-orchestrator/internal/session"
	"github.com/MimeLyc/subtitle-orchestrator/internal/subtitle"
	"github.com/MimeLyc/subtitle-orchestrator/internal/translator"
	"github.com/MimeLyc/subtitle-orchestrator/pkg/log"
)

// Tier is one of the four supported request strategies.
type Tier int

const (
	TierDirect    Tier = 1 // caller-held segments, client credentials
	TierDirectAlt Tier = 2 // same transport as TierDirect, alternate model
	TierCombined  Tier = 3 // server-side fetch+translate, buffered result
	TierStreaming Tier = 4 // server-side fetch+translate, progressive batches
)

// Job describes one translation request entering the router.
type Job struct {
	ID              string // job identifier, e.g. video id
	SessionKey      string // cancellation session (tab/job)
	Tier            Tier
	SourceLang      string
	TargetLang      string
	Segments        []subtitle.Segment // required for direct tiers
	SourceHint      string
	ForceRegenerate bool
}

// Translator is the direct-tier translation pipeline. Satisfied by
// translator.BatchTranslator.
type Translator interface {
	Translate(ctx context.Context, segments []subtitle.Segment, sourceLang, targetLang string, onProgress translator.ProgressFunc) ([]subtitle.TranslatedSegment, error)
}

// TranslatorFactory builds a Translator bound to a client-held credential.
type TranslatorFactory func(apiKey string) (Translator, error)

// Config carries the router's endpoint and timing knobs.
type Config struct {
	APIURL            string
	APIKeyName        string        // secret store name of the client credential
	AbsoluteTimeout   time.Duration // per-job ceiling (default 5m)
	InactivityTimeout time.Duration // streaming stall ceiling (default 3m)
	PollInterval      time.Duration // remote-queue poll cadence (default 2s)
	PollCeiling       time.Duration // remote-queue absolute ceiling (default 30m)
}

func (c Config) withDefaults() Config {
	if c.APIKeyName == "" {
		c.APIKeyName = "apiKey"
	}
	if c.AbsoluteTimeout <= 0 {
		c.AbsoluteTimeout = 5 * time.Minute
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 3 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollCeiling <= 0 {
		c.PollCeiling = 30 * time.Minute
	}
	return c
}

type Router struct {
	cfg           Config
	cache         *cache.Store
	secrets       *secrets.Store
	sessions      *session.Coordinator
	httpClient    *http.Client
	newTranslator TranslatorFactory
}

func New(
	cfg Config,
	cacheStore *cache.Store,
	secretStore *secrets.Store,
	sessions *session.Coordinator,
	httpClient *http.Client,
	factory TranslatorFactory,
) *Router {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Router{
		cfg:           cfg.withDefaults(),
		cache:         cacheStore,
		secrets:       secretStore,
		sessions:      sessions,
		httpClient:    httpClient,
		newTranslator: factory,
	}
}

// Execute runs the job asynchronously and returns its event stream. The
// channel is closed after a terminal EventResult or EventError; callers
// must drain it.
func (r *Router) Execute(job Job) <-chan Event {
	return r.ExecuteContext(context.Background(), job)
}

// ExecuteContext is Execute with a caller-owned lifetime: cancelling ctx
// cancels the job's session, aborting it mid-flight.
func (r *Router) ExecuteContext(ctx context.Context, job Job) <-chan Event {
	events := make(chan Event, 16)
	go r.run(ctx, job, events)
	return events
}

// Run executes the job and blocks until its terminal event, discarding
// intermediate progress. Cancelling ctx aborts the job.
func (r *Router) Run(ctx context.Context, job Job) ([]subtitle.TranslatedSegment, error) {
	var subtitles []subtitle.TranslatedSegment
	var err error
	for event := range r.ExecuteContext(ctx, job) {
		switch event.Kind {
		case EventResult:
			subtitles = event.Subtitles
		case EventError:
			err = event.Err
		}
	}
	return subtitles, err
}

func (r *Router) run(callerCtx context.Context, job Job, events chan<- Event) {
	defer close(events)

	sessionCtx := r.sessions.Acquire(job.SessionKey)
	// Registered after Acquire so a caller context that is already done
	// cancels this token rather than racing its creation.
	stopBridge := context.AfterFunc(callerCtx, func() { r.sessions.Cancel(job.SessionKey) })
	defer stopBridge()

	// The remote-queue path has its own, longer ceiling: serverless jobs
	// legitimately wait in line far beyond the streaming budget.
	timeout := r.cfg.AbsoluteTimeout
	remoteQueue := job.Tier >= TierCombined && isQueueEndpoint(r.cfg.APIURL)
	if remoteQueue {
		timeout = r.cfg.PollCeiling
	}
	ctx, cancel := context.WithTimeout(sessionCtx, timeout)
	defer cancel()

	subtitles, err := r.dispatch(ctx, job, events, remoteQueue)
	if err != nil {
		err = classify(ctx, sessionCtx, err)
		if engine.IsCancelled(err) {
			log.Info("Job %s cancelled", job.ID)
		} else {
			log.Error("Job %s failed: %v", job.ID, err)
		}
		// Every terminal outcome releases the session token; a user abort
		// already removed it and this is a no-op.
		r.sessions.Clear(job.SessionKey)
		events <- errorEvent(err)
		return
	}

	// A cancelled job must never leave a cache entry behind or report
	// success, even when dispatch finished before observing the signal.
	if sessionCtx.Err() != nil {
		events <- errorEvent(engine.WrapError(sessionCtx.Err(), engine.ErrCancelled, "job cancelled"))
		return
	}
	r.cache.Put(cache.Key(job.ID, job.SourceLang, job.TargetLang), subtitles)
	r.sessions.Clear(job.SessionKey)
	events <- resultEvent(subtitles)
}

func (r *Router) dispatch(ctx context.Context, job Job, events chan<- Event, remoteQueue bool) ([]subtitle.TranslatedSegment, error) {
	switch job.Tier {
	case TierDirect, TierDirectAlt:
		return r.runDirect(ctx, job, events)
	case TierCombined, TierStreaming:
		if remoteQueue {
			return r.runRemoteQueue(ctx, job, events)
		}
		return r.runStream(ctx, job, events, job.Tier == TierStreaming)
	default:
		return nil, engine.NewError(engine.ErrConfiguration, "unknown tier").WithContext("tier", int(job.Tier))
	}
}

func (r *Router) runDirect(ctx context.Context, job Job, events chan<- Event) ([]subtitle.TranslatedSegment, error) {
	apiKey, ok := r.secrets.Retrieve(ctx, r.cfg.APIKeyName)
	if !ok {
		return nil, engine.NewError(engine.ErrConfiguration, "missing client credential for direct tier")
	}

	pipeline, err := r.newTranslator(apiKey)
	if err != nil {
		return nil, err
	}

	onProgress := func(current, total int) {
		events <- progressEvent(Progress{
			Stage:     "translating",
			Message:   "translating subtitles",
			Percent:   float64(current) / float64(total) * 100,
			BatchInfo: &BatchInfo{Current: current, Total: total},
		})
	}

	return pipeline.Translate(ctx, job.Segments, job.SourceLang, job.TargetLang, onProgress)
}

// isQueueEndpoint distinguishes a queue-style endpoint from a direct HTTP
// endpoint by URL shape, never by caller-supplied flags.
func isQueueEndpoint(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if strings.Contains(u.Host, "runpod") {
		return true
	}
	path := strings.TrimSuffix(u.Path, "/")
	return strings.HasSuffix(path, "/run")
}

// classify maps low-level failures onto the engine taxonomy using the
// state of the job's contexts.
func classify(ctx, sessionCtx context.Context, err error) error {
	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) {
		switch engineErr.Type {
		case engine.ErrCancelled:
			// A cancellation observed while only the timeout fired is a
			// timeout, not a user abort.
			if sessionCtx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return engine.WrapError(err, engine.ErrTimeout, "job exceeded its time budget")
			}
			return err
		default:
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.WrapError(err, engine.ErrTimeout, "job exceeded its time budget")
	}
	if errors.Is(err, context.Canceled) {
		return engine.WrapError(err, engine.ErrCancelled, "job cancelled")
	}
	return err
}
