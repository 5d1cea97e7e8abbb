// Package slack adapts the Slack Web API to two contracts: the chat
// archive searched for past solutions, and the notification channel
// the pipeline reports into.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/knowledge"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
)

const (
	defaultAPIBase        = "https://slack.com/api"
	defaultRequestTimeout = 15 * time.Second

	// searchLimit bounds one archive search page.
	searchLimit = 20
)

// Client implements chat search and notifications over the Slack Web
// API.
type Client struct {
	apiBase        string
	token          string
	notifyChannel  string
	escalationTeam string
	http           *http.Client
	logger         *logging.Logger
	now            func() time.Time
}

// NewClient creates a Slack client.
func NewClient(cfg config.SlackConfig, logger *logging.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("slack token is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		apiBase:        defaultAPIBase,
		token:          cfg.Token,
		notifyChannel:  cfg.NotifyChannel,
		escalationTeam: cfg.EscalationTeam,
		http:           &http.Client{Timeout: defaultRequestTimeout},
		logger:         logger,
		now:            time.Now,
	}, nil
}

type searchResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Messages struct {
		Matches []searchMatch `json:"matches"`
	} `json:"messages"`
}

type searchMatch struct {
	Text      string `json:"text"`
	TS        string `json:"ts"`
	Username  string `json:"username"`
	Permalink string `json:"permalink"`
	Channel   struct {
		Name string `json:"name"`
	} `json:"channel"`
}

// SearchSolutions searches the message archive for solution
// discussions, filtered to the lookback window and channel allow-list.
func (c *Client) SearchSolutions(ctx context.Context, query string, window time.Duration, channels []string) ([]knowledge.ChatMessage, error) {
	form := url.Values{
		"query": {query},
		"count": {strconv.Itoa(searchLimit)},
		"sort":  {"timestamp"},
	}

	var resp searchResponse
	if err := c.call(ctx, "search.messages", form, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("slack search.messages: %s", resp.Error)
	}

	cutoff := c.now().Add(-window)
	allowed := make(map[string]bool, len(channels))
	for _, ch := range channels {
		allowed[strings.TrimPrefix(ch, "#")] = true
	}

	messages := make([]knowledge.ChatMessage, 0, len(resp.Messages.Matches))
	for _, match := range resp.Messages.Matches {
		ts := parseSlackTimestamp(match.TS)
		if window > 0 && ts.Before(cutoff) {
			continue
		}
		if len(allowed) > 0 && !allowed[match.Channel.Name] {
			continue
		}
		messages = append(messages, knowledge.ChatMessage{
			Text:         match.Text,
			Channel:      match.Channel.Name,
			Author:       match.Username,
			Timestamp:    ts,
			HasCodeBlock: strings.Contains(match.Text, "```"),
			Permalink:    match.Permalink,
		})
	}
	return messages, nil
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Notify posts a message to the configured notification channel,
// mentioning the escalation team when one is set.
func (c *Client) Notify(ctx context.Context, message string) error {
	if c.notifyChannel == "" {
		return fmt.Errorf("no notification channel configured")
	}
	if c.escalationTeam != "" {
		message = fmt.Sprintf("<!subteam^%s> %s", c.escalationTeam, message)
	}
	form := url.Values{
		"channel": {c.notifyChannel},
		"text":    {message},
	}

	var resp postMessageResponse
	if err := c.call(ctx, "chat.postMessage", form, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("slack chat.postMessage: %s", resp.Error)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("slack %s: decode response: %w", method, err)
	}
	return nil
}

// parseSlackTimestamp converts a "seconds.fraction" message timestamp.
func parseSlackTimestamp(ts string) time.Time {
	seconds, _, _ := strings.Cut(ts, ".")
	unix, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

var (
	_ knowledge.ChatSearcher = (*Client)(nil)
	_ orchestrator.Notifier  = (*Client)(nil)
)
