// Package bot wires the channels, the conversation store and the command
// router into the event loop that drives botik.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ivakhin/botik/pkg/botik/channels"
	"github.com/ivakhin/botik/pkg/botik/conversation"
	"github.com/ivakhin/botik/pkg/botik/tasks"
	"github.com/ivakhin/botik/pkg/botik/weather"
)

// Command keywords. Matching is case-insensitive across the board.
const (
	cmdReset    = "/reset"
	kwWeather   = "погода"
	kwAddTask   = "добавь задачу"
	kwListTasks = "мои задачи"
	kwRemind    = "напомни"
)

// Fixed user-visible replies.
const (
	ReplyMemoryCleared = "Память очищена 🧹"
	ReplyAIError       = "Ошибка связи с ИИ 😢 Попробуй ещё раз."
	ReplyCityNotFound  = "Город не найден 🤔"
	ReplyWeatherError  = "Не удалось получить погоду 😢"
	ReplyWeatherUsage  = "Напиши город: погода Москва"
	ReplyTaskAdded     = "Задача добавлена ✅"
	ReplyTaskUsage     = "Напиши задачу: добавь задачу купить молоко"
	ReplyNoTasks       = "Задач пока нет 📭"
	ReplyReminderSet   = "Напоминание создано ⏰"
	ReplyReminderUsage = "Напиши так: напомни @daily выпить воды"
	ReplyBadExpression = "Не понял расписание 🤔 Пример: напомни @daily выпить воды"
	ReplyMediaChoice   = "Что скачать? 🎬"
	ReplyMediaError    = "Не получилось скачать 😢 Попробуй другую ссылку."
)

// Completer produces an assistant reply for a conversation history.
type Completer interface {
	Complete(ctx context.Context, history []conversation.Entry) (string, error)
}

// WeatherProvider looks up current weather for a city.
type WeatherProvider interface {
	Lookup(ctx context.Context, city string) (*weather.Observation, error)
}

// Registrar schedules reminder deliveries.
type Registrar interface {
	Register(channel, chatID, expression, message string) (string, error)
}

// Request is an inbound text message to classify.
type Request struct {
	Channel string
	ChatID  string
	Text    string
}

// Reply is what the matched handler wants sent back. A nil Reply means the
// message was consumed silently (unknown slash commands).
type Reply struct {
	Text    string
	Choices []channels.Choice
}

// Timeouts bounds external provider calls. A timed-out call is handled the
// same way as a provider failure.
type Timeouts struct {
	AI      time.Duration
	Weather time.Duration
}

// route pairs a matcher with its handler. Routes are evaluated in order;
// the first match wins.
type route struct {
	name   string
	match  func(text string) bool
	handle func(ctx context.Context, req *Request, text string) *Reply
}

// Router classifies inbound messages into exactly one handler using a fixed
// priority table: reset, other slash commands, weather, add-task, list-tasks,
// reminder, media link, and finally the AI fallback.
type Router struct {
	conversations *conversation.Store
	todos         *tasks.Store
	scheduler     Registrar
	weather       WeatherProvider
	ai            Completer

	// mediaMarker marks recognized share links (substring match).
	mediaMarker string

	timeouts Timeouts
	logger   *slog.Logger
	routes   []route

	// pendingMedia remembers the last recognized link per chat until the
	// user picks what to download.
	pendingMedia map[string]string
	pendingMu    sync.Mutex
}

// NewRouter builds the routing table.
func NewRouter(
	conversations *conversation.Store,
	todos *tasks.Store,
	scheduler Registrar,
	weatherProvider WeatherProvider,
	ai Completer,
	mediaMarker string,
	timeouts Timeouts,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		conversations: conversations,
		todos:         todos,
		scheduler:     scheduler,
		weather:       weatherProvider,
		ai:            ai,
		mediaMarker:   strings.ToLower(mediaMarker),
		timeouts:      timeouts,
		logger:        logger.With("component", "router"),
		pendingMedia:  make(map[string]string),
	}

	r.routes = []route{
		{name: "reset", match: r.matchReset, handle: r.handleReset},
		{name: "slash", match: matchSlash, handle: handleSlash},
		{name: "weather", match: matchPrefix(kwWeather), handle: r.handleWeather},
		{name: "add_task", match: matchPrefix(kwAddTask), handle: r.handleAddTask},
		{name: "list_tasks", match: matchExact(kwListTasks), handle: r.handleListTasks},
		{name: "reminder", match: matchPrefix(kwRemind), handle: r.handleReminder},
		{name: "media_link", match: r.matchMediaLink, handle: r.handleMediaLink},
		{name: "ai_chat", match: matchAll, handle: r.handleAIChat},
	}

	return r
}

// Route classifies the message and runs the matching handler. Returns nil
// when the message is consumed without a reply.
func (r *Router) Route(ctx context.Context, req *Request) *Reply {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil
	}

	for _, rt := range r.routes {
		if !rt.match(text) {
			continue
		}
		r.logger.Debug("message routed",
			"route", rt.name,
			"channel", req.Channel,
			"chat_id", req.ChatID)
		return rt.handle(ctx, req, text)
	}
	return nil
}

// TakePendingMedia returns and clears the link awaiting a download choice
// for the chat.
func (r *Router) TakePendingMedia(chatID string) (string, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	url, ok := r.pendingMedia[chatID]
	if ok {
		delete(r.pendingMedia, chatID)
	}
	return url, ok
}

// ---------- Matchers ----------

func (r *Router) matchReset(text string) bool {
	return strings.EqualFold(text, cmdReset)
}

func matchSlash(text string) bool {
	return strings.HasPrefix(text, "/")
}

// matchPrefix matches a leading keyword case-insensitively.
func matchPrefix(keyword string) func(string) bool {
	return func(text string) bool {
		return strings.HasPrefix(strings.ToLower(text), keyword)
	}
}

// matchExact matches the whole message case-insensitively.
func matchExact(keyword string) func(string) bool {
	return func(text string) bool {
		return strings.EqualFold(text, keyword)
	}
}

func (r *Router) matchMediaLink(text string) bool {
	if r.mediaMarker == "" {
		return false
	}
	lower := strings.ToLower(text)
	return strings.Contains(lower, r.mediaMarker) && strings.Contains(lower, "http")
}

func matchAll(string) bool { return true }

// ---------- Handlers ----------

func (r *Router) handleReset(ctx context.Context, req *Request, text string) *Reply {
	r.conversations.Reset(chatKey(req))
	return &Reply{Text: ReplyMemoryCleared}
}

// handleSlash ignores slash commands other than reset.
func handleSlash(ctx context.Context, req *Request, text string) *Reply {
	return nil
}

func (r *Router) handleWeather(ctx context.Context, req *Request, text string) *Reply {
	city := strings.TrimSpace(text[len(kwWeather):])
	if city == "" {
		return &Reply{Text: ReplyWeatherUsage}
	}

	ctx, cancel := r.withTimeout(ctx, r.timeouts.Weather)
	defer cancel()

	obs, err := r.weather.Lookup(ctx, city)
	if err != nil {
		if errors.Is(err, weather.ErrCityNotFound) {
			return &Reply{Text: ReplyCityNotFound}
		}
		r.logger.Warn("weather lookup failed", "city", city, "error", err)
		return &Reply{Text: ReplyWeatherError}
	}

	return &Reply{Text: fmt.Sprintf("🌤 %s: %.1f°C, %s", obs.Name, obs.TempC, obs.Description)}
}

func (r *Router) handleAddTask(ctx context.Context, req *Request, text string) *Reply {
	task := strings.TrimSpace(text[len(kwAddTask):])
	if task == "" {
		return &Reply{Text: ReplyTaskUsage}
	}
	r.todos.Add(chatKey(req), task)
	return &Reply{Text: ReplyTaskAdded}
}

func (r *Router) handleListTasks(ctx context.Context, req *Request, text string) *Reply {
	list := r.todos.List(chatKey(req))
	if len(list) == 0 {
		return &Reply{Text: ReplyNoTasks}
	}
	return &Reply{Text: strings.Join(list, "\n")}
}

// handleReminder parses "напомни <expression> <message>". The expression is
// normally the second whitespace token; "@every <duration>" and full 5-field
// cron expressions are also accepted.
func (r *Router) handleReminder(ctx context.Context, req *Request, text string) *Reply {
	rest := strings.TrimSpace(text[len(kwRemind):])
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return &Reply{Text: ReplyReminderUsage}
	}

	var lastErr error
	for _, split := range expressionCandidates(fields) {
		expression := strings.Join(fields[:split], " ")
		message := strings.Join(fields[split:], " ")

		_, err := r.scheduler.Register(req.Channel, req.ChatID, expression, message)
		if err == nil {
			return &Reply{Text: ReplyReminderSet}
		}
		lastErr = err
	}

	r.logger.Info("reminder rejected", "chat_id", req.ChatID, "error", lastErr)
	return &Reply{Text: ReplyBadExpression}
}

// expressionCandidates returns how many leading tokens to try as the fire
// expression, longest first, always leaving at least one message token.
func expressionCandidates(fields []string) []int {
	var candidates []int
	if len(fields) >= 6 {
		candidates = append(candidates, 5) // 5-field cron
	}
	if len(fields) >= 3 && strings.EqualFold(fields[0], "@every") {
		candidates = append(candidates, 2) // "@every 1h"
	}
	candidates = append(candidates, 1)
	return candidates
}

// handleMediaLink offers the download choices and parks the link until the
// user picks one. The actual fetch happens on the selection event.
func (r *Router) handleMediaLink(ctx context.Context, req *Request, text string) *Reply {
	url := extractURL(text)
	if url == "" {
		return nil
	}

	r.pendingMu.Lock()
	r.pendingMedia[chatKey(req)] = url
	r.pendingMu.Unlock()

	return &Reply{
		Text: ReplyMediaChoice,
		Choices: []channels.Choice{
			{Label: "🎬 Видео", Data: "video"},
			{Label: "🎵 Аудио", Data: "audio"},
		},
	}
}

func (r *Router) handleAIChat(ctx context.Context, req *Request, text string) *Reply {
	key := chatKey(req)
	r.conversations.Ensure(key)
	r.conversations.AppendUser(key, text)

	ctx, cancel := r.withTimeout(ctx, r.timeouts.AI)
	defer cancel()

	answer, err := r.ai.Complete(ctx, r.conversations.History(key))
	if err != nil {
		// No assistant entry on failure: the unpaired user turn is
		// acceptable and the next turn simply follows it.
		r.logger.Warn("AI completion failed", "chat_id", req.ChatID, "error", err)
		return &Reply{Text: ReplyAIError}
	}

	r.conversations.AppendAssistant(key, answer)
	return &Reply{Text: answer}
}

// ---------- Helpers ----------

// chatKey namespaces chat identifiers by channel so Telegram and Discord
// chats with the same numeric ID never share state.
func chatKey(req *Request) string {
	return req.Channel + ":" + req.ChatID
}

func (r *Router) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// extractURL returns the first whitespace-delimited token that looks like
// an http(s) URL.
func extractURL(text string) string {
	for _, f := range strings.Fields(text) {
		lower := strings.ToLower(f)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			return f
		}
	}
	return ""
}
