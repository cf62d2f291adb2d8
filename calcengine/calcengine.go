// Package calcengine invokes the external calculation engine once per
// data chunk. The engine is consumed purely through its request/response
// contract: it applies the pipeline's transforms to the chunk's rows and
// writes exactly one output artifact and one error artifact (possibly
// empty) per chunk, returning their locations.
//
// The engine distinguishes row-level errors, which land in the error
// artifact while the invocation succeeds, from invocation-level
// failures, which are retried here with bounded exponential backoff
// before escalating to a fatal chunk failure.
package calcengine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/natsclient"
	"github.com/c360/metricflow/pkg/retry"
)

// SourceDataLocation identifies a byte range of an object-storage source
type SourceDataLocation struct {
	Bucket         string `json:"bucket"`
	Key            string `json:"key"`
	ContainsHeader bool   `json:"containsHeader"`
	StartByte      int64  `json:"startByte"`
	EndByte        int64  `json:"endByte"`
}

// DataLocation identifies an object-storage artifact
type DataLocation struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Request is the engine invocation contract for one chunk
type Request struct {
	GroupContextID     string             `json:"groupContextId"`
	PipelineID         string             `json:"pipelineId"`
	ExecutionID        string             `json:"executionId"`
	SourceDataLocation SourceDataLocation `json:"sourceDataLocation"`
	ChunkNo            int                `json:"chunkNo"`
	UniqueKey          []string           `json:"uniqueKey,omitempty"`
	// Transforms and Parameters carry the pipeline's formula
	// configuration. The formula DSL is owned by the engine; they
	// pass through here opaque.
	Transforms json.RawMessage `json:"transforms"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Response is the engine's reply for one chunk
type Response struct {
	SourceDataLocation    SourceDataLocation `json:"sourceDataLocation"`
	CSVOutputDataLocation DataLocation       `json:"csvOutputDataLocation"`
	ErrorLocation         DataLocation       `json:"errorLocation"`
}

// ChunkResult is one chunk's outcome as consumed by the merger
type ChunkResult struct {
	SequenceNo     int
	OutputLocation DataLocation
	ErrorLocation  DataLocation
}

// Invoker performs a single engine invocation
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// envelope is the wire reply: either a response or an invocation error
type envelope struct {
	Response
	Error     string `json:"error,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// NATSInvoker invokes the engine over NATS request/reply
type NATSInvoker struct {
	client  *natsclient.Client
	subject string
}

// NewNATSInvoker creates an invoker for the given engine subject
func NewNATSInvoker(client *natsclient.Client, subject string) *NATSInvoker {
	return &NATSInvoker{client: client, subject: subject}
}

// Invoke sends one engine request and decodes the reply
func (i *NATSInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, errors.WrapFatal(err, "NATSInvoker", "Invoke", "marshal request")
	}

	reply, err := i.client.Request(ctx, i.subject, data)
	if err != nil {
		return Response{}, errors.WrapTransient(err, "NATSInvoker", "Invoke", "engine request")
	}

	var env envelope
	if err := json.Unmarshal(reply, &env); err != nil {
		return Response{}, errors.WrapFatal(err, "NATSInvoker", "Invoke", "unmarshal response")
	}
	if env.Error != "" {
		if env.Retryable != nil && !*env.Retryable {
			return Response{}, errors.WrapInvalid(errors.New(env.Error), "NATSInvoker", "Invoke", "engine rejected request")
		}
		return Response{}, errors.WrapTransient(errors.New(env.Error), "NATSInvoker", "Invoke", "engine reported failure")
	}
	return env.Response, nil
}

// Calculator applies the retry budget around engine invocations
type Calculator struct {
	invoker  Invoker
	retryCfg retry.Config
	logger   *slog.Logger
}

// NewCalculator creates a chunk calculator. A zero retryCfg uses the
// standard engine budget (2s base, 6 attempts, doubling).
func NewCalculator(invoker Invoker, retryCfg retry.Config, logger *slog.Logger) *Calculator {
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.Engine()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{invoker: invoker, retryCfg: retryCfg, logger: logger}
}

// ProcessChunk invokes the engine for one chunk. Invocation-level
// failures are retried up to the budget; invalid-request errors are
// not retried. Row-level errors are not errors here: they live in the
// returned error artifact and the execution continues.
func (c *Calculator) ProcessChunk(ctx context.Context, req Request) (ChunkResult, error) {
	attempt := 0
	resp, err := retry.DoWithResult(ctx, c.retryCfg, func() (Response, error) {
		attempt++
		resp, err := c.invoker.Invoke(ctx, req)
		if err != nil {
			if errors.IsInvalid(err) || errors.IsFatal(err) {
				return Response{}, retry.NonRetryable(err)
			}
			c.logger.Warn("Engine invocation failed, will retry",
				"pipelineId", req.PipelineID,
				"executionId", req.ExecutionID,
				"chunkNo", req.ChunkNo,
				"attempt", attempt,
				"error", err)
			return Response{}, err
		}
		return resp, nil
	})
	if err != nil {
		return ChunkResult{}, errors.Wrap(err, "Calculator", "ProcessChunk", "engine invocation exhausted")
	}

	return ChunkResult{
		SequenceNo:     req.ChunkNo,
		OutputLocation: resp.CSVOutputDataLocation,
		ErrorLocation:  resp.ErrorLocation,
	}, nil
}
