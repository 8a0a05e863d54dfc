package outlook

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/datalens/internal/tracing"
	"github.com/harun/datalens/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Lane is the command queue lane that serializes backend calls.
const Lane = "outlook"

// waitSlack is added to SearchTimeout to bound how long a caller waits.
var waitSlack = 10 * time.Second

// Config configures a Client.
type Config struct {
	SharedMailboxEmail    string
	SearchPersonalMailbox bool
	SearchSharedMailbox   bool
	MaxSearchResults      int
	SearchTimeout         time.Duration
	SearchAllFolders      bool
	MaxBodyChars          int
	Logger                zerolog.Logger
}

// DefaultConfig searches both mailboxes, 50 results, 30 second timeout.
func DefaultConfig() Config {
	return Config{
		SearchPersonalMailbox: true,
		SearchSharedMailbox:   true,
		MaxSearchResults:      50,
		SearchTimeout:         30 * time.Second,
		MaxBodyChars:          5000,
		Logger:                log.Logger,
	}
}

// Client runs mailbox searches on the single automation worker.
type Client struct {
	cfg     Config
	backend Backend
	queue   *commandqueue.CommandQueue
	logger  zerolog.Logger
}

// NewClient creates a client and pins the outlook lane to one worker.
func NewClient(cfg Config, backend Backend, queue *commandqueue.CommandQueue) *Client {
	def := DefaultConfig()
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = def.MaxSearchResults
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = def.SearchTimeout
	}
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = def.MaxBodyChars
	}

	queue.SetConcurrency(Lane, 1)

	return &Client{
		cfg:     cfg,
		backend: backend,
		queue:   queue,
		logger:  cfg.Logger.With().Str("component", "outlook").Logger(),
	}
}

// MaxWait is how long a caller waits for the worker.
func (c *Client) MaxWait() time.Duration {
	return c.cfg.SearchTimeout + waitSlack
}

// run executes fn on the outlook lane and waits at most MaxWait.
func run[T any](ctx context.Context, c *Client, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	wait := c.MaxWait()
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	v, err := c.queue.EnqueueWithContext(waitCtx, Lane, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	}, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %ds", ErrWorkerTimeout, int(wait.Seconds()))
		}
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// CheckConnection reports Outlook and mailbox reachability.
func (c *Client) CheckConnection(ctx context.Context) (*Status, error) {
	return run(ctx, c, func(ctx context.Context) (*Status, error) {
		return c.backend.Status(ctx, c.cfg.SharedMailboxEmail)
	})
}

// SearchEmailChain searches the enabled mailboxes and groups the hits into
// conversations. A mailbox that cannot be searched is logged and skipped.
func (c *Client) SearchEmailChain(ctx context.Context, text string, includePersonal, includeShared bool) (*ChainResponse, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "outlook.SearchEmailChain",
		attribute.Bool("outlook.personal", includePersonal),
		attribute.Bool("outlook.shared", includeShared),
	)
	defer span.End()

	emails, err := run(ctx, c, func(ctx context.Context) ([]Email, error) {
		var all []Email
		if includePersonal && c.cfg.SearchPersonalMailbox {
			all = append(all, c.searchMailbox(ctx, text, MailboxPersonal)...)
		}
		if includeShared && c.cfg.SearchSharedMailbox && c.cfg.SharedMailboxEmail != "" {
			all = append(all, c.searchMailbox(ctx, text, MailboxShared)...)
		}
		return all, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for i := range emails {
		emails[i].Body = CleanBody(emails[i].Body, c.cfg.MaxBodyChars)
	}
	span.SetAttributes(attribute.Int("outlook.emails", len(emails)))
	return BuildResponse(text, emails), nil
}

// searchMailbox runs the advanced search and falls back to the restrict
// search when it finds nothing or fails.
func (c *Client) searchMailbox(ctx context.Context, text string, mailbox Mailbox) []Email {
	logger := tracing.LoggerFromContext(ctx, c.logger).With().Str("mailbox", string(mailbox)).Logger()
	q := SearchQuery{
		Text:          text,
		Mailbox:       mailbox,
		SharedAddress: c.cfg.SharedMailboxEmail,
		MaxResults:    c.cfg.MaxSearchResults,
		AllFolders:    c.cfg.SearchAllFolders,
		Timeout:       c.cfg.SearchTimeout,
	}

	results, err := c.backend.AdvancedSearch(ctx, q)
	if err != nil {
		logger.Warn().Err(err).Msg("Advanced search failed, falling back to restrict search")
		results = nil
	}

	if len(results) == 0 && ctx.Err() == nil {
		results, err = c.backend.RestrictSearch(ctx, q)
		if err != nil {
			logger.Error().Err(err).Msg("Restrict search also failed")
			results = nil
		}
	}

	if len(results) > c.cfg.MaxSearchResults {
		results = results[:c.cfg.MaxSearchResults]
	}
	for i := range results {
		results[i].MailboxType = mailbox
	}
	logger.Info().Int("emails", len(results)).Msg("Mailbox search finished")
	return results
}

var (
	htmlTag    = regexp.MustCompile(`<[^>]+>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// CleanBody strips HTML tags, collapses whitespace and truncates to max
// characters.
func CleanBody(body string, max int) string {
	body = htmlTag.ReplaceAllString(body, "")
	body = strings.TrimSpace(whitespace.ReplaceAllString(body, " "))
	if max > 0 && utf8.RuneCountInString(body) > max {
		body = string([]rune(body)[:max]) + "... [truncated]"
	}
	return body
}
