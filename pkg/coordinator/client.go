package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/ckptctl/pkg/engine"
)

// Client query defaults.
const (
	DefaultQueryTimeout      = 10 * time.Second
	DefaultCheckpointTimeout = 10 * time.Minute
	DefaultQueriesPerSecond  = 5.0
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Runner executes engine commands. Defaults to ExecRunner.
	Runner CommandRunner

	// QueryTimeout bounds list, status and quit queries.
	QueryTimeout time.Duration

	// CheckpointTimeout bounds a blocking checkpoint request.
	CheckpointTimeout time.Duration

	// QueriesPerSecond throttles all queries to one coordinator. Zero uses
	// the default; negative disables throttling.
	QueriesPerSecond float64

	Logger *zap.Logger
}

// Client is the query/command channel to a coordinator.
type Client struct {
	profile engine.Profile
	parser  engine.MembershipParser
	runner  CommandRunner
	limiter *rate.Limiter
	opts    ClientOptions
	logger  *zap.Logger
}

// NewClient builds a query client for the given engine profile.
func NewClient(profile engine.Profile, opts ClientOptions) (*Client, error) {
	parser, err := engine.ParserFor(profile.OutputFormat)
	if err != nil {
		return nil, err
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.CheckpointTimeout <= 0 {
		opts.CheckpointTimeout = DefaultCheckpointTimeout
	}
	if opts.QueriesPerSecond == 0 {
		opts.QueriesPerSecond = DefaultQueriesPerSecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.QueriesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.QueriesPerSecond), 1)
	}

	return &Client{
		profile: profile,
		parser:  parser,
		runner:  opts.Runner,
		limiter: limiter,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Profile returns the engine profile the client drives.
func (c *Client) Profile() engine.Profile {
	return c.profile
}

// ListMembers returns the workers currently registered with the coordinator.
// An empty result with a nil error means the coordinator reports no members.
func (c *Client) ListMembers(ctx context.Context, ep Endpoint) ([]engine.Member, error) {
	out, err := c.run(ctx, "list", c.profile.List, ep, c.opts.QueryTimeout)
	if err != nil {
		return nil, err
	}
	members, err := c.parser.ParseMembers(out)
	if err != nil {
		return nil, &QueryError{Op: "list", Endpoint: ep, Output: string(out), Err: err}
	}
	return members, nil
}

// RequestCheckpoint asks the coordinator to checkpoint all members and
// blocks until the engine command returns.
func (c *Client) RequestCheckpoint(ctx context.Context, ep Endpoint) error {
	_, err := c.run(ctx, "checkpoint", c.profile.Checkpoint, ep, c.opts.CheckpointTimeout)
	return err
}

// Status issues a lightweight status query.
func (c *Client) Status(ctx context.Context, ep Endpoint) error {
	_, err := c.run(ctx, "status", c.profile.Status, ep, c.opts.QueryTimeout)
	return err
}

// Quit asks the coordinator to shut down. Profiles without a quit template
// return nil.
func (c *Client) Quit(ctx context.Context, ep Endpoint) error {
	if len(c.profile.Quit) == 0 {
		return nil
	}
	_, err := c.run(ctx, "quit", c.profile.Quit, ep, c.opts.QueryTimeout)
	return err
}

func (c *Client) run(ctx context.Context, op string, tmpl []string, ep Endpoint, timeout time.Duration) ([]byte, error) {
	if !ep.Valid() {
		return nil, &QueryError{Op: op, Endpoint: ep, Err: fmt.Errorf("invalid endpoint")}
	}
	argv, err := engine.Expand(tmpl, engine.Vars{Host: ep.Host, Port: ep.Port})
	if err != nil {
		return nil, &QueryError{Op: op, Endpoint: ep, Err: err}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &QueryError{Op: op, Endpoint: ep, Err: err}
	}

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.runner.Run(qctx, argv)
	if err != nil {
		c.logger.Debug("coordinator query failed",
			zap.String("op", op),
			zap.String("endpoint", ep.String()),
			zap.Error(err),
		)
		return out, &QueryError{Op: op, Endpoint: ep, Output: string(out), Err: err}
	}
	return out, nil
}
