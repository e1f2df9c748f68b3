package countdown

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"attendcode/internal/logger"
)

// Active is one poll result: the class's current expiry and the server's
// clock reading. Present is false when the class has no live code.
type Active struct {
	Present    bool
	Code       string
	Expiry     time.Time
	ServerTime time.Time
}

// Source fetches the authoritative active-code state.
type Source interface {
	Fetch(ctx context.Context) (Active, error)
}

// Poller re-synchronises a Countdown from a Source on a fixed interval.
type Poller struct {
	cd       *Countdown
	source   Source
	interval time.Duration
	onChange func(Active)
	last     Active
}

// NewPoller builds a poller. onChange may be nil.
func NewPoller(cd *Countdown, source Source, interval time.Duration, onChange func(Active)) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{cd: cd, source: source, interval: interval, onChange: onChange}
}

// Poll fetches once and applies the result.
func (p *Poller) Poll(ctx context.Context) error {
	a, err := p.source.Fetch(ctx)
	if err != nil {
		return err
	}
	if a.Present {
		p.cd.Sync(a.ServerTime, a.Expiry)
	} else {
		p.cd.Clear()
	}
	if a.Present != p.last.Present || a.Code != p.last.Code || !a.Expiry.Equal(p.last.Expiry) {
		p.last = a
		if p.onChange != nil {
			p.onChange(a)
		}
	}
	return nil
}

// Run polls until ctx is done. Fetch errors are logged and the previous
// target keeps ticking.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("active code poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HTTPSource reads GET /v1/codes/active with a teacher token.
type HTTPSource struct {
	BaseURL string
	Token   string
	ClassID string
	Client  *http.Client
}

type activeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Code *struct {
			Code       string    `json:"code"`
			ExpiryTime time.Time `json:"expiryTime"`
		} `json:"code"`
		ServerTime time.Time `json:"serverTime"`
	} `json:"data"`
	Error string `json:"error"`
}

// Fetch implements Source.
func (s HTTPSource) Fetch(ctx context.Context) (Active, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	endpoint := s.BaseURL + "/v1/codes/active?classId=" + url.QueryEscape(s.ClassID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Active{}, err
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Active{}, err
	}
	defer resp.Body.Close()
	var body activeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Active{}, fmt.Errorf("decode active code: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Active{}, fmt.Errorf("active code: status %d: %s", resp.StatusCode, body.Error)
	}
	a := Active{ServerTime: body.Data.ServerTime}
	if body.Data.Code != nil {
		a.Present = true
		a.Code = body.Data.Code.Code
		a.Expiry = body.Data.Code.ExpiryTime
	}
	return a, nil
}
