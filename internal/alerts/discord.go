package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// Embed colors keyed to signal direction.
const (
	colorGreen  = 0x2ECC71
	colorRed    = 0xE74C3C
	colorYellow = 0xF1C40F
	colorBlue   = 0x3498DB
)

// Embed is a Discord rich embed.
type Embed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color,omitempty"`
	Fields      []Field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

// Field is one name/value pair inside an embed.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// DiscordNotifier posts embeds to per-subscriber Discord webhook URLs.
// Sends are best effort: failures are logged, never retried.
type DiscordNotifier struct {
	http *resty.Client
}

// NewDiscordNotifier builds a notifier with the given request timeout.
func NewDiscordNotifier(timeout time.Duration) *DiscordNotifier {
	return &DiscordNotifier{
		http: resty.New().SetTimeout(timeout),
	}
}

// SendEmbed posts one embed to url. A 429 from Discord is reported as an
// error so the caller's failure accounting sees rate limiting.
func (n *DiscordNotifier) SendEmbed(ctx context.Context, url string, embed Embed) error {
	if embed.Timestamp == "" {
		embed.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(discordPayload{Embeds: []Embed{embed}}).
		Post(url)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}

	if resp.StatusCode() == 429 {
		log.Warn().Msg("discord rate limited")
		return fmt.Errorf("discord rate limited")
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("discord webhook: status=%d", resp.StatusCode())
	}
	return nil
}

// SignalEmbed renders the STRATUM embed for one detected signal.
func SignalEmbed(sig persistence.Signal) Embed {
	return Embed{
		Title:       fmt.Sprintf("STRATUM %s", sig.SignalType),
		Description: fmt.Sprintf("%s moved on %s", sig.Market, sig.EventID),
		Color:       directionColor(sig.Direction),
		Timestamp:   sig.CreatedAt.UTC().Format(time.RFC3339),
		Fields: []Field{
			{Name: "Market", Value: string(sig.Market), Inline: true},
			{Name: "Direction", Value: string(sig.Direction), Inline: true},
			{Name: "Strength", Value: fmt.Sprintf("%d", sig.StrengthScore), Inline: true},
			{Name: "Move", Value: fmt.Sprintf("%.2f to %.2f", sig.FromValue, sig.ToValue), Inline: true},
			{Name: "Window", Value: fmt.Sprintf("%dm", sig.WindowMinutes), Inline: true},
			{Name: "Bucket", Value: string(sig.TimeBucket), Inline: true},
		},
	}
}

func directionColor(dir domain.Direction) int {
	switch dir {
	case domain.DirectionUp:
		return colorGreen
	case domain.DirectionDown:
		return colorRed
	case domain.DirectionFlat:
		return colorYellow
	default:
		return colorBlue
	}
}
