// Package slack is the chat ingress: it verifies Slack event callbacks, maps
// mentions to tenant users, submits them to the dispatcher, and keeps the
// thread updated from the progress channel.
package slack

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/relayforge/maestro/pkg/dispatch"
	"github.com/relayforge/maestro/pkg/events"
	"github.com/relayforge/maestro/pkg/models"
)

const (
	// maxEventBody bounds the request body read from Slack.
	maxEventBody = 1 << 20
	// watchTimeout bounds how long a thread watcher waits for a terminal
	// event before giving up on the placeholder edit.
	watchTimeout = 10 * time.Minute

	placeholderText = ":hourglass_flowing_sand: Working on it..."
)

var mentionPrefix = regexp.MustCompile(`^\s*<@[A-Z0-9]+>\s*`)

// Dispatcher is the ingress's view of the dispatch layer.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.Request) (*models.Execution, error)
}

// MembershipResolver maps an external chat identity to a tenant user.
type MembershipResolver interface {
	ResolveMembership(ctx context.Context, platform, externalID string) (*models.Membership, error)
}

// ExecutionReader fetches the terminal execution row for the final thread
// reply. Events reference the execution; the output text lives in the row.
type ExecutionReader interface {
	GetExecution(ctx context.Context, tenantID, executionID string) (*models.Execution, error)
}

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	BotToken      string
	SigningSecret string
	// APIURL overrides the Slack API endpoint, for tests.
	APIURL string
}

// Service handles the Slack event callback endpoint.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	api           *goslack.Client
	signingSecret string
	dispatcher    Dispatcher
	memberships   MembershipResolver
	executions    ExecutionReader
	bus           *events.Bus
	logger        *slog.Logger

	wg sync.WaitGroup
}

// NewService creates the chat ingress service.
// Returns nil if BotToken or SigningSecret is empty.
func NewService(cfg ServiceConfig, dispatcher Dispatcher, memberships MembershipResolver,
	executions ExecutionReader, bus *events.Bus) *Service {
	if cfg.BotToken == "" || cfg.SigningSecret == "" {
		return nil
	}
	opts := []goslack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, goslack.OptionAPIURL(cfg.APIURL))
	}
	return &Service{
		api:           goslack.New(cfg.BotToken, opts...),
		signingSecret: cfg.SigningSecret,
		dispatcher:    dispatcher,
		memberships:   memberships,
		executions:    executions,
		bus:           bus,
		logger:        slog.Default().With("component", "slack-ingress"),
	}
}

// Register mounts the event callback route. The route is unauthenticated at
// the API layer; the request signature is the credential.
func (s *Service) Register(e *echo.Echo) {
	if s == nil {
		return
	}
	e.POST("/slack/events", s.eventsHandler)
}

// Stop waits for in-flight mention handlers and thread watchers.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

// eventsHandler handles POST /slack/events. Slack expects a fast 200; mention
// handling runs in the background.
func (s *Service) eventsHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if err := s.verifySignature(c.Request().Header, body); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid request signature")
	}

	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unparseable event")
	}

	switch ev.Type {
	case slackevents.URLVerification:
		var ch slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &ch); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unparseable challenge")
		}
		return c.String(http.StatusOK, ch.Challenge)
	case slackevents.CallbackEvent:
		if mention, ok := ev.InnerEvent.Data.(*slackevents.AppMentionEvent); ok {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleMention(mention)
			}()
		}
	}
	return c.NoContent(http.StatusOK)
}

// verifySignature checks the v0 HMAC-SHA256 request signature. The SDK
// verifier also rejects timestamps older than five minutes.
func (s *Service) verifySignature(header http.Header, body []byte) error {
	sv, err := goslack.NewSecretsVerifier(header, s.signingSecret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

// handleMention resolves the sender, submits the prompt, posts a placeholder
// reply, and hands the thread to a watcher for the terminal edit.
func (s *Service) handleMention(mention *slackevents.AppMentionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	threadTS := mention.ThreadTimeStamp
	if threadTS == "" {
		threadTS = mention.TimeStamp
	}

	member, err := s.memberships.ResolveMembership(ctx, "slack", mention.User)
	if err != nil {
		s.logger.Warn("Mention from unmapped Slack user", "channel", mention.Channel, "error", err)
		s.postThreadReply(ctx, mention.Channel, threadTS,
			"I don't recognize you yet. Ask an admin to link your Slack account.")
		return
	}

	prompt := strings.TrimSpace(mentionPrefix.ReplaceAllString(mention.Text, ""))
	if prompt == "" {
		s.postThreadReply(ctx, mention.Channel, threadTS, "Mention me with a request and I'll get to work.")
		return
	}

	exec, err := s.dispatcher.Submit(ctx, dispatch.Request{
		TenantID:  member.TenantID,
		UserID:    member.UserID,
		Source:    models.SourceChat,
		ThreadKey: mention.Channel + ":" + threadTS,
		Prompt:    prompt,
		Metadata:  map[string]string{"slack_channel": mention.Channel, "slack_ts": mention.TimeStamp},
	})
	if err != nil {
		s.logger.Warn("Slack dispatch rejected",
			"tenant_id", member.TenantID, "channel", mention.Channel, "error", err)
		s.postThreadReply(ctx, mention.Channel, threadTS, "I couldn't take that request: "+err.Error())
		return
	}

	_, placeholderTS, err := s.api.PostMessageContext(ctx, mention.Channel,
		goslack.MsgOptionText(placeholderText, false),
		goslack.MsgOptionTS(threadTS))
	if err != nil {
		s.logger.Error("Failed to post Slack placeholder",
			"tenant_id", member.TenantID, "execution_id", exec.ID, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchExecution(member.TenantID, exec.ID, mention.Channel, placeholderTS)
	}()
}

// watchExecution follows the progress channel until the execution reaches a
// terminal event, then edits the placeholder with the outcome.
func (s *Service) watchExecution(tenantID, executionID, channel, messageTS string) {
	ctx, cancel := context.WithTimeout(context.Background(), watchTimeout)
	defer cancel()

	sub, err := s.bus.Subscribe(ctx, tenantID, 0)
	if err != nil {
		s.logger.Error("Failed to subscribe for Slack thread updates",
			"tenant_id", tenantID, "execution_id", executionID, "error", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.ExecutionID != executionID || !ev.Terminal() {
				continue
			}
			s.editThreadReply(ctx, channel, messageTS, s.terminalText(ctx, tenantID, executionID, ev))
			return
		case <-ctx.Done():
			return
		}
	}
}

// terminalText resolves the final thread text for a terminal event. The
// output lives on the execution row; failure events carry the localized
// user message.
func (s *Service) terminalText(ctx context.Context, tenantID, executionID string, ev events.Event) string {
	switch ev.Type {
	case events.TypeCompleted:
		exec, err := s.executions.GetExecution(ctx, tenantID, executionID)
		if err != nil || exec.Output == "" {
			if err != nil {
				s.logger.Warn("Failed to load execution for Slack reply",
					"tenant_id", tenantID, "execution_id", executionID, "error", err)
			}
			return ":white_check_mark: Done."
		}
		return exec.Output
	case events.TypeCancelled:
		return ":no_entry_sign: Cancelled."
	default:
		if ev.Message != "" {
			return ":x: " + ev.Message
		}
		return ":x: Something went wrong."
	}
}

func (s *Service) postThreadReply(ctx context.Context, channel, threadTS, text string) {
	_, _, err := s.api.PostMessageContext(ctx, channel,
		goslack.MsgOptionText(text, false),
		goslack.MsgOptionTS(threadTS))
	if err != nil {
		s.logger.Error("Failed to post Slack reply", "channel", channel, "error", err)
	}
}

func (s *Service) editThreadReply(ctx context.Context, channel, messageTS, text string) {
	_, _, _, err := s.api.UpdateMessageContext(ctx, channel, messageTS,
		goslack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Error("Failed to update Slack reply", "channel", channel, "error", err)
	}
}
