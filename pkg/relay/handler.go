// Package relay mounts the client-facing per-provider HTTP surface: admit a
// request onto the Queue, wait for the Dispatcher's Grant, and hand off to
// the Proxy Executor. This is the seam between internal/httpserver's
// ambient routing and the queueing core in pkg/queue, pkg/dispatcher, and
// pkg/proxyexec.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/relayhaus/llmrelay/internal/abuseguard"
	"github.com/relayhaus/llmrelay/internal/httpserver"
	"github.com/relayhaus/llmrelay/pkg/apierr"
	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/partition"
	"github.com/relayhaus/llmrelay/pkg/preprocess"
	"github.com/relayhaus/llmrelay/pkg/proxyexec"
	"github.com/relayhaus/llmrelay/pkg/queue"
	"github.com/relayhaus/llmrelay/pkg/sse"
	"github.com/relayhaus/llmrelay/pkg/ticket"
)

const maxBodyBytes = 1 << 20 // 1 MiB, same cap httpserver.Decode uses elsewhere

var validate = validator.New(validator.WithRequiredStructEnabled())

// chatShape is only used to validate the minimum required fields (model,
// non-empty messages); the rest of the client-provided JSON (max_tokens,
// temperature, top_p, and anything provider-specific) passes through
// untouched as the ticket's Body, since the OpenAI-compatible wire shape is
// deliberately open-ended beyond these two fields.
type chatShape struct {
	Model    string        `json:"model" validate:"required"`
	Messages []chatMessage `json:"messages" validate:"required,min=1,dive"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// Handler wires the admission path: validate, classify partition, enqueue,
// wait for a Grant, then run the Preprocessor Pipeline and Proxy Executor.
type Handler struct {
	Logger   *slog.Logger
	Queue    *queue.Queue
	Executor *proxyexec.Executor
	Guard    *abuseguard.Guard
	Pipeline preprocess.Pipeline

	models *modelListCache
}

// NewHandler creates a Handler.
func NewHandler(logger *slog.Logger, q *queue.Queue, exec *proxyexec.Executor, guard *abuseguard.Guard, pipeline preprocess.Pipeline) *Handler {
	return &Handler{
		Logger:   logger,
		Queue:    q,
		Executor: exec,
		Guard:    guard,
		Pipeline: pipeline,
		models:   newModelListCache(),
	}
}

// Routes mounts the three provider-facing routes under a router the caller
// has already scoped to /{provider}.
func (h *Handler) Routes(service partition.Service, dialect ticket.Dialect) chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/models", h.handleModels(service))
	r.Post("/v1/chat/completions", h.handleChatCompletions(service, dialect))
	r.NotFound(httpserver.BrowserRedirectOr404)
	return r
}

func (h *Handler) handleModels(service partition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := h.models.Get(service)
		if err != nil {
			h.Logger.Error("building model list", "service", service, "error", err)
			apierr.WriteTyped(w, apierr.New(apierr.TypeInternalError, "failed to build model list"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// decodeChatBody reads the raw body (for pass-through to the ticket) and
// separately validates it against the minimal required shape. Unlike
// httpserver.Decode, unknown fields are allowed — the client-facing schema
// intentionally carries provider-specific extras this proxy never inspects.
func decodeChatBody(r *http.Request) (raw []byte, model string, stream bool, validationErrs []httpserver.ValidationError, err error) {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()

	raw, err = io.ReadAll(body)
	if err != nil {
		return nil, "", false, nil, fmt.Errorf("reading request body: %w", err)
	}

	var shape chatShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, "", false, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if verr := validate.Struct(shape); verr != nil {
		var ve validator.ValidationErrors
		if errors.As(verr, &ve) {
			out := make([]httpserver.ValidationError, 0, len(ve))
			for _, fe := range ve {
				out = append(out, httpserver.ValidationError{Field: fe.Field(), Message: fe.Tag()})
			}
			return nil, "", false, out, nil
		}
		return nil, "", false, nil, verr
	}

	return raw, shape.Model, shape.Stream, nil, nil
}

func (h *Handler) handleChatCompletions(service partition.Service, dialect ticket.Dialect) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := sourceIP(r)

		if h.Guard != nil {
			allowed, retryAt, err := h.Guard.Check(ctx, ip)
			if err != nil {
				h.Logger.Warn("abuse guard check failed, allowing request", "error", err)
			}
			if !allowed {
				w.Header().Set("Retry-After", time.Until(retryAt).Round(time.Second).String())
				apierr.Write(w, http.StatusTooManyRequests, apierr.New(apierr.TypeQueueError, "too many rejected requests from this source, slow down"))
				return
			}
		}

		raw, model, stream, validationErrs, err := decodeChatBody(r)
		if err != nil {
			apierr.WriteTyped(w, apierr.New(apierr.TypeProxyError, err.Error()))
			h.recordRejection(ctx, ip)
			return
		}
		if validationErrs != nil {
			httpserver.RespondValidationError(w, validationErrs)
			h.recordRejection(ctx, ip)
			return
		}

		family := partition.Classify(service, model)
		identity, shared := identityFor(r)

		t := ticket.New(uuid.NewString(), identity, shared, ticket.DialectOpenAI, dialect, model, family, raw, stream)

		var sseW *sse.Writer
		if stream {
			t.BadSSE = r.URL.Query().Get("badSseParser") == "true"
			sseW = sse.New(w)
			registerStreamWriter(t.ID, sseW)
			defer unregisterStreamWriter(t.ID)
		}

		if err := h.Queue.Enqueue(t); err != nil {
			h.recordRejection(ctx, ip)
			env := apierr.New(apierr.TypeQueueError, "too many requests already queued for this identity")
			if sseW != nil {
				h.emitSSEError(sseW, env)
				return
			}
			apierr.WriteTyped(w, env)
			return
		}

		h.Executor.Run(ctx, t, w, h.Pipeline)
	}
}

func (h *Handler) emitSSEError(w *sse.Writer, env *apierr.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = w.Event(string(payload))
}

func (h *Handler) recordRejection(ctx context.Context, ip string) {
	if h.Guard == nil {
		return
	}
	if err := h.Guard.RecordRejection(ctx, ip); err != nil {
		h.Logger.Warn("recording abuse guard rejection failed", "error", err)
	}
}

// identityFor derives the billing/concurrency identity for a request:
// the bearer credential a client presents, or its source IP as a shared,
// deprioritized fallback.
func identityFor(r *http.Request) (identity string, shared bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth, false
	}
	return sourceIP(r), true
}

// poolResolverFromFamilies adapts a static family->pool map to the function
// shape proxyexec.PoolResolver expects.
func poolResolverFromFamilies(byFamily map[partition.Family]*keypool.Pool) func(partition.Family) *keypool.Pool {
	return func(f partition.Family) *keypool.Pool { return byFamily[f] }
}
