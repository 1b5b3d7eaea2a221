// Package planner gathers what a user needs to start the day (news on
// their interests, upcoming events, the home weather) and turns it into
// the briefing the assistant opens the day with.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mimir/internal/calendar"
	"github.com/nugget/mimir/internal/news"
	"github.com/nugget/mimir/internal/prompts"
	"github.com/nugget/mimir/internal/search"
	"github.com/nugget/mimir/internal/weather"
)

// Message is the user message a planning turn answers. The briefing
// itself travels as per-turn context.
const Message = "Plan my day."

const (
	// CalendarDays is how far ahead the briefing looks, today included.
	CalendarDays = 3
	// HeadlineCount bounds the fallback headlines.
	HeadlineCount = 5
	// ResultsPerInterest is the number of search hits per preference.
	ResultsPerInterest = 2
)

// Profiles supplies the user's details. profile.Store satisfies it.
type Profiles interface {
	DisplayName(ctx context.Context, userID string) string
	HomeCity(ctx context.Context, userID string) (string, error)
	Preferences(ctx context.Context, userID string) ([]string, error)
}

// Searcher runs web searches. search.Manager satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// Headlines supplies top news. news.Client satisfies it.
type Headlines interface {
	Top(ctx context.Context, refresh bool) ([]news.Item, error)
}

// Events lists calendar events. calendar.Store satisfies it.
type Events interface {
	Search(ctx context.Context, userID string, opts calendar.SearchOptions) ([]calendar.Event, error)
}

// Forecaster reports the weather. weather.Client satisfies it.
type Forecaster interface {
	Weather(ctx context.Context, q weather.Query) (*weather.Report, error)
}

// Planner builds daily briefings. Nil sources are skipped.
type Planner struct {
	Profiles Profiles
	Search   Searcher
	News     Headlines
	Calendar Events
	Weather  Forecaster

	// TempUnit follows temperatures, "°C" or "°F".
	TempUnit string

	Logger *slog.Logger
	Rand   *rand.Rand
}

// Briefing is what was gathered for one user.
type Briefing struct {
	DisplayName  string
	Interests    []string
	News         string
	Calendar     string
	Weather      string
	NeedHomeCity bool
}

// Prompt renders the briefing as the instruction for the planning turn.
func (b *Briefing) Prompt() string {
	return prompts.PlanDay(b.DisplayName, b.News, b.Calendar, b.Weather, b.NeedHomeCity)
}

func (p *Planner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Plan gathers the briefing for userID. The sources are consulted
// concurrently; a failing source is logged and leaves its section
// empty or apologetic, never failing the plan.
func (p *Planner) Plan(ctx context.Context, userID string, now time.Time) (*Briefing, error) {
	b := &Briefing{DisplayName: "User"}
	if p.Profiles != nil {
		if name := p.Profiles.DisplayName(ctx, userID); name != "" {
			b.DisplayName = name
		}
		prefs, err := p.Profiles.Preferences(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load preferences: %w", err)
		}
		b.Interests = p.pick(prefs)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.News = p.news(gctx, b.Interests)
		return nil
	})
	g.Go(func() error {
		b.Calendar = p.calendar(gctx, userID, now)
		return nil
	})
	g.Go(func() error {
		b.Weather, b.NeedHomeCity = p.weather(gctx, userID)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.logger().Info("day planned",
		"user", userID,
		"interests", len(b.Interests),
		"need_home_city", b.NeedHomeCity,
	)
	return b, nil
}

// pick chooses three or four preferences at random.
func (p *Planner) pick(prefs []string) []string {
	if len(prefs) == 0 {
		return nil
	}
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	n := min(len(prefs), 3+rnd.IntN(2))
	shuffled := append([]string(nil), prefs...)
	rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

func (p *Planner) news(ctx context.Context, interests []string) string {
	var sb strings.Builder
	if len(interests) > 0 {
		if p.Search == nil {
			return ""
		}
		for _, pref := range interests {
			results, err := p.Search.Search(ctx, "latest news "+pref, search.Options{Count: ResultsPerInterest})
			if err != nil {
				p.logger().Warn("interest news search failed", "interest", pref, "error", err)
				continue
			}
			if len(results) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "--- News for '%s' ---\n", pref)
			for _, r := range results {
				fmt.Fprintf(&sb, "- %s: %s\n", r.Title, r.Snippet)
			}
			sb.WriteString("\n")
		}
		if sb.Len() == 0 {
			return ""
		}
		return "Here is some news related to your interests:\n\n" + sb.String()
	}

	if p.News == nil {
		return ""
	}
	items, err := p.News.Top(ctx, false)
	if err != nil {
		p.logger().Warn("top news failed", "error", err)
		return ""
	}
	if len(items) == 0 {
		return ""
	}
	sb.WriteString("Here are the top headlines for today:\n\n")
	for _, it := range items[:min(HeadlineCount, len(items))] {
		fmt.Fprintf(&sb, "- %s (%s)\n", it.Title, it.Source)
	}
	return sb.String()
}

func (p *Planner) calendar(ctx context.Context, userID string, now time.Time) string {
	if p.Calendar == nil {
		return ""
	}
	events, err := p.Calendar.Search(ctx, userID, calendar.SearchOptions{
		Start: now.Format(time.DateOnly),
		End:   now.AddDate(0, 0, CalendarDays).Format(time.DateOnly),
	})
	if err != nil {
		p.logger().Warn("calendar lookup failed", "user", userID, "error", err)
		return "Could not access calendar data.\n"
	}
	if len(events) == 0 {
		return "You have no events scheduled for the next 3 days.\n"
	}
	var sb strings.Builder
	sb.WriteString("Here are your upcoming events for the next 3 days:\n\n")
	for _, e := range events {
		start := e.StartTime
		if start == "" {
			start = "All Day"
		}
		fmt.Fprintf(&sb, "- %s at %s: %s\n", e.Date, start, e.Subject)
	}
	return sb.String()
}

// weather returns the home weather section and whether the home city
// is missing.
func (p *Planner) weather(ctx context.Context, userID string) (string, bool) {
	if p.Profiles == nil {
		return "", false
	}
	city, err := p.Profiles.HomeCity(ctx, userID)
	if err != nil {
		p.logger().Warn("home city lookup failed", "user", userID, "error", err)
		return "", false
	}
	if city == "" {
		return "", true
	}
	if p.Weather == nil {
		return "", false
	}
	report, err := p.Weather.Weather(ctx, weather.Query{Location: city})
	if err != nil {
		p.logger().Warn("home weather failed", "city", city, "error", err)
		return fmt.Sprintf("Could not fetch weather for %s.\n", city), false
	}

	unit := p.TempUnit
	var sb strings.Builder
	fmt.Fprintf(&sb, "Weather for %s:\n", city)
	fmt.Fprintf(&sb, "Current: %d%s, %s\n", report.Current.Temp, unit, report.Current.Conditions)
	if len(report.Forecast) > 0 {
		d := report.Forecast[0]
		fmt.Fprintf(&sb, "Today's Forecast: High %d%s, Low %d%s, %s\n", d.High, unit, d.Low, unit, d.Conditions)
	}
	return sb.String(), false
}
