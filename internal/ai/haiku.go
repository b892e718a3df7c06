package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/remindme/pkg/models"
)

// ChatGPT represents a client for the OpenAI ChatGPT API
type ChatGPT struct {
	apiKey      string
	apiURL      string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
}

// New creates a new ChatGPT client
func New(apiKey string) (*ChatGPT, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is not set")
	}

	return &ChatGPT{
		apiKey:      apiKey,
		apiURL:      "https://api.openai.com/v1/chat/completions",
		model:       "gpt-3.5-turbo",
		maxTokens:   120,
		temperature: 0.8,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Message represents a message in the ChatGPT conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest represents a request to the ChatGPT API
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

// ChatResponse represents a response from the ChatGPT API
type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GenerateHaiku generates a personalized daily haiku for the given name
func (c *ChatGPT) GenerateHaiku(ctx context.Context, name string) (string, error) {
	prompt := fmt.Sprintf(
		"Generate a funny and encouraging haiku about taking birth control pills. Make it personal using the name %s. Return only the haiku itself.",
		name,
	)

	messages := []Message{
		{Role: "system", Content: "You are a playful poet for a daily reminder service. You write short, warm, encouraging haikus."},
		{Role: "user", Content: prompt},
	}

	request := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	requestData, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewBuffer(requestData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	var response ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %v", err)
	}

	if response.Error != nil {
		return "", fmt.Errorf("API error: %s", response.Error.Message)
	}

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}

	haiku := strings.TrimSpace(response.Choices[0].Message.Content)
	if haiku == "" {
		return "", fmt.Errorf("empty haiku returned")
	}

	return haiku, nil
}

// ComposeReminder builds the full reminder text for a user, including
// the generated haiku.
func (c *ChatGPT) ComposeReminder(ctx context.Context, user models.User) (string, error) {
	haiku, err := c.GenerateHaiku(ctx, user.Name)
	if err != nil {
		return "", err
	}

	message := fmt.Sprintf(
		"Hi %s! ✨ Remind Me! here.\n\n"+
			"Time for your pill! 💊\n\n"+
			"Your daily haiku:\n%s\n\n"+
			"Stay amazing! 🌟",
		user.Name, haiku,
	)

	return message, nil
}

// Static is a composer used when no OpenAI key is configured. It keeps
// the reminder framing but replaces the generated haiku with a fixed one.
type Static struct{}

// ComposeReminder builds the reminder text without calling any API.
func (Static) ComposeReminder(_ context.Context, user models.User) (string, error) {
	return fmt.Sprintf(
		"Hi %s! ✨ Remind Me! here.\n\n"+
			"Time for your pill! 💊\n\n"+
			"Your daily haiku:\nA small daily win,\none pill, one moment for you,\nthe day carries on.\n\n"+
			"Stay amazing! 🌟",
		user.Name,
	), nil
}

// ComposeWelcome builds the one-time welcome message sent on registration.
func ComposeWelcome(user models.User) string {
	return fmt.Sprintf(
		"Hi %s! Welcome to Remind Me! 🎉\n\n"+
			"You'll receive daily reminders at %02d:%02d.\n\n"+
			"Stay amazing! ✨",
		user.Name, user.PreferredHour, user.PreferredMinute,
	)
}
