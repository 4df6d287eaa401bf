package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"portal-proxy-go/internal/config"
	"portal-proxy-go/internal/metrics"
	"portal-proxy-go/internal/model"
)

// ErrMalformedBatch is returned when the batch body is not valid JSON.
var ErrMalformedBatch = errors.New("malformed batch body")

// StatusTextCallFailed marks a CallResult synthesized for a call that never
// produced an upstream response.
const StatusTextCallFailed = "call_failed"

const spanBatchCall = "portal.batch.call"

// Caller performs a single upstream call.
type Caller interface {
	Call(ctx context.Context, path, method string, headers model.HeaderSet, body json.RawMessage) (model.CallResult, error)
}

// BatchService fans a batch of calls out to the upstream and collects every
// outcome.
type BatchService struct {
	caller      Caller
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	limit       int
	callTimeout time.Duration
}

// NewBatchService creates a BatchService backed by the proxy service.
func NewBatchService(proxy *ProxyService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tracer trace.Tracer) *BatchService {
	return newBatchService(proxy, cfg.Batch, logger, m, tracer)
}

func newBatchService(c Caller, cfg config.BatchConfig, logger *slog.Logger, m *metrics.Metrics, tracer trace.Tracer) *BatchService {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("batch")
	}
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = -1
	}
	return &BatchService{
		caller:      c,
		logger:      logger.With("component", "batch_service"),
		metrics:     m,
		tracer:      tracer,
		limit:       limit,
		callTimeout: time.Duration(cfg.CallTimeoutSeconds) * time.Second,
	}
}

// batchCall is one decoded entry of the calls array. err is set when the
// entry itself could not be decoded; it is reported as that call's result.
type batchCall struct {
	spec model.CallSpec
	err  error
}

// Dispatch parses raw as a batch body and runs every call concurrently.
// inbound is the client's header set; its allowed subset is the base that
// each call's own headers are merged onto.
//
// The only error is ErrMalformedBatch. Per-call failures never abort the
// batch: they are returned as call_failed results in the same position as
// their call.
func (b *BatchService) Dispatch(ctx context.Context, raw []byte, inbound model.HeaderSet) (*model.BatchResponse, error) {
	calls, err := parseBatch(raw)
	if err != nil {
		return nil, err
	}

	base := Allowed(inbound)
	results := make([]model.CallResult, len(calls))

	// Plain Group: a failing call must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(b.limit)
	for i, call := range calls {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = b.failed(call.spec.Key, fmt.Errorf("panic: %v", r))
				}
			}()
			results[i] = b.run(ctx, call, base)
			return nil
		})
	}
	_ = g.Wait()

	if b.metrics != nil {
		b.metrics.BatchSize.Observe(float64(len(calls)))
	}

	b.logger.Debug("batch dispatched", "calls", len(calls))
	return &model.BatchResponse{Responses: results}, nil
}

func (b *BatchService) run(ctx context.Context, call batchCall, base model.HeaderSet) model.CallResult {
	spec := call.spec
	if call.err != nil {
		return b.failed(spec.Key, call.err)
	}

	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}

	ctx, span := b.tracer.Start(ctx, spanBatchCall, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("portal.call.path", spec.Path),
	))
	defer span.End()

	if b.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}

	headers := base.Merge(spec.Headers)
	res, err := b.caller.Call(ctx, spec.Path, method, headers, spec.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Warn("batch call failed",
			"err", err,
			"method", method,
			"path", spec.Path,
		)
		return b.failed(spec.Key, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", res.Status))
	if res.Status == http.StatusUnauthorized {
		b.logger.Debug("batch call unauthorized",
			"path", spec.Path,
			"headers", maskCredentials(headers),
		)
	}

	outcome := metrics.OutcomeOK
	if !res.OK {
		outcome = metrics.OutcomeUpstream
	}
	b.observe(outcome)

	res.Key = spec.Key
	return res
}

func (b *BatchService) failed(key json.RawMessage, err error) model.CallResult {
	b.observe(metrics.OutcomeFailed)
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	return model.CallResult{
		Key:        key,
		OK:         false,
		Status:     http.StatusInternalServerError,
		StatusText: StatusTextCallFailed,
		Body:       model.JSONPayload(body),
	}
}

func (b *BatchService) observe(outcome string) {
	if b.metrics != nil {
		b.metrics.BatchCalls.WithLabelValues(outcome).Inc()
	}
}

// parseBatch decodes the batch envelope. An empty body means no calls; a
// body that is valid JSON but has no calls array also means no calls.
func parseBatch(raw []byte) ([]batchCall, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedBatch)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(envelope["calls"], &entries); err != nil {
		return nil, nil
	}

	calls := make([]batchCall, len(entries))
	for i, entry := range entries {
		spec, err := decodeCall(entry)
		calls[i] = batchCall{spec: spec, err: err}
	}
	return calls, nil
}

// decodeCall decodes one calls[] entry field by field so a bad field still
// leaves the key available for the failure result.
func decodeCall(raw json.RawMessage) (model.CallSpec, error) {
	var spec model.CallSpec

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return spec, errors.New("call must be a JSON object")
	}

	spec.Key = fields["key"]

	p, ok := fields["path"]
	if !ok || string(p) == "null" {
		return spec, errors.New("call path is required")
	}
	if err := json.Unmarshal(p, &spec.Path); err != nil {
		return spec, errors.New("call path must be a string")
	}

	if m, ok := fields["method"]; ok && string(m) != "null" {
		if err := json.Unmarshal(m, &spec.Method); err != nil {
			return spec, errors.New("call method must be a string")
		}
	}

	if body, ok := fields["body"]; ok && string(body) != "null" {
		spec.Body = body
	}

	if h, ok := fields["headers"]; ok && string(h) != "null" {
		if err := json.Unmarshal(h, &spec.Headers); err != nil {
			return spec, errors.New("call headers must be an object")
		}
	}

	return spec, nil
}
