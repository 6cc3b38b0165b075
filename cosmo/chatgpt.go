package cosmo

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	chatGPTResponseFilename = "response.txt"
	chatGPTTooLongMessage   = "The response was too long! I've attempted to upload it as a file below."
	chatGPTErrorMessage     = "Whoops! An invalid response was received from ChatGPT!\n\n```%s```"
)

var errEmptyCompletion = errors.New("no choices returned")

// ChatCompletionClient is the part of the openai client used by ChatGPT
type ChatCompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// ChatGPT answers messages sent to the ChatGPT channel, keeping a
// per-user conversation history.
//
// Fields:
//   - client: The OpenAI client for making API requests.
//   - config: Configuration for OpenAI integration.
//   - logger: Logger for OpenAI-related events.
//   - requestLimiter: Rate limiter for OpenAI API requests.
//   - history: Conversation history, by discord user ID.
type ChatGPT struct {
	client         ChatCompletionClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessage
}

func newChatGPT(config *OpenAIConfig, httpClient *http.Client) *ChatGPT {
	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}

	return &ChatGPT{
		client:         openai.NewClientWithConfig(clientCfg),
		config:         config,
		logger:         newComponentLogger("openai", config.LogLevel),
		requestLimiter: rate.NewLimiter(limit, 1),
		history:        map[string][]openai.ChatCompletionMessage{},
	}
}

// Ask sends the user's message, along with their conversation history,
// and returns the answer. The exchange is added to the history only if
// the request succeeds.
func (c *ChatGPT) Ask(ctx context.Context, userID string, content string) (string, error) {
	if err := c.requestLimiter.Wait(ctx); err != nil {
		return "", err
	}

	question := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: content,
	}

	c.mu.Lock()
	history := c.history[userID]
	c.mu.Unlock()

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if c.config.SystemPrompt != "" {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: c.config.SystemPrompt,
			},
		)
	}
	messages = append(messages, history...)
	messages = append(messages, question)

	c.logger.DebugContext(ctx, "creating chat completion", columnUserID, userID, "messages", len(messages))
	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:    c.config.Model,
			Messages: messages,
			User:     userID,
		},
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	answer := resp.Choices[0].Message
	c.logger.InfoContext(
		ctx,
		"chat completion finished",
		columnUserID, userID,
		"id", resp.ID,
		"total_tokens", resp.Usage.TotalTokens,
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	updated := append(c.history[userID], question, answer)
	if n := c.config.HistoryLength; n > 0 && len(updated) > n {
		// whole question/answer pairs, so history never starts with an answer
		keep := max(n-n%2, 2)
		updated = updated[len(updated)-keep:]
	}
	c.history[userID] = updated
	return answer.Content, nil
}

// Reset clears the user's conversation history
func (c *ChatGPT) Reset(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, userID)
}

func (c *ChatGPT) historyLen(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history[userID])
}

// handleMessageCreate answers messages sent to the guild's ChatGPT channel.
// Bot messages, and messages mentioning anyone, are ignored.
func (b *Bot) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	if b.chatGPT == nil || m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if strings.Contains(m.Content, "<@") || strings.TrimSpace(m.Content) == "" {
		return
	}

	guild, err := getGuild(ctx, b.db, m.GuildID)
	if err != nil {
		b.logger.ErrorContext(ctx, "error getting guild", tint.Err(err))
		return
	}
	if guild.ChannelChatGPT == "" || m.ChannelID != guild.ChannelChatGPT {
		return
	}

	logger := b.chatGPT.logger.With(
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		columnUserID, m.Author.ID,
	)
	session := b.discord.session
	ref := m.Reference()

	if err = session.ChannelTyping(m.ChannelID); err != nil {
		logger.WarnContext(ctx, "error sending typing indicator", tint.Err(err))
	}

	answer, err := b.chatGPT.Ask(ctx, m.Author.ID, m.Content)
	if err != nil {
		logger.ErrorContext(ctx, "chat completion failed", tint.Err(err))
		_, _ = session.ChannelMessageSendReply(
			m.ChannelID,
			truncate(fmt.Sprintf(chatGPTErrorMessage, err.Error()), discordMaxMessageLength),
			ref,
		)
		return
	}

	if utf8.RuneCountInString(answer) < discordMaxMessageLength {
		_, _ = session.ChannelMessageSendReply(m.ChannelID, answer, ref)
		return
	}

	logger.InfoContext(ctx, "response too long, sending as file", "length", len(answer))
	_, _ = session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:   chatGPTTooLongMessage,
			Reference: ref,
			Files: []*discordgo.File{
				{
					Name:        chatGPTResponseFilename,
					ContentType: "text/plain",
					Reader:      strings.NewReader(answer),
				},
			},
		},
	)
}
