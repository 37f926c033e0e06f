package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// HomeAssistantOptions configures a Home Assistant entity source.
type HomeAssistantOptions struct {
	BaseURL string
	Token   string
	Entity  string
	Timeout time.Duration
	Client  *http.Client
}

// HomeAssistant reads an entity state through the Home Assistant REST API.
type HomeAssistant struct {
	endpoint string
	token    string
	entity   string
	timeout  time.Duration
	client   *http.Client
}

// NewHomeAssistant validates options and builds the source.
func NewHomeAssistant(opts HomeAssistantOptions) (*HomeAssistant, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("home assistant url must not be empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse home assistant url: %w", err)
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("home assistant token must not be empty")
	}
	entity := strings.TrimSpace(opts.Entity)
	if entity == "" {
		return nil, errors.New("home assistant entity must not be empty")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HomeAssistant{
		endpoint: base + "/api/states/" + url.PathEscape(entity),
		token:    opts.Token,
		entity:   entity,
		timeout:  opts.Timeout,
		client:   client,
	}, nil
}

func (h *HomeAssistant) Name() string { return h.entity }

// Status implements Source.
func (h *HomeAssistant) Status(ctx context.Context) (Status, error) {
	reqCtx, cancel := withTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return Status{}, fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("%w: query %s: %v", ErrTransport, h.entity, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Status{}, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("%w: %s returned %s", ErrTransport, h.entity, resp.Status)
	}
	if !gjson.ValidBytes(body) {
		return Status{}, fmt.Errorf("%w: %s returned invalid json", ErrTransport, h.entity)
	}

	return FromState(gjson.GetBytes(body, "state").String()), nil
}

var _ Source = (*HomeAssistant)(nil)
