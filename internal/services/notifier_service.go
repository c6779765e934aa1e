package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NotifierService pushes messages back to users through the messaging
// channel's push API. Message bodies come from a YAML template file so
// copy changes don't need a deploy.
type NotifierService struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	templates  map[string]string
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []pushMessage `json:"messages"`
}

type pushMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// defaultTemplates are the built-in user-facing messages. A YAML file at
// templatesPath overrides any of them by key.
var defaultTemplates = map[string]string{
	"accepted":       "リクエストを受け付けました。生成が完了したらお知らせします。",
	"busy":           "現在リクエストが集中しています。しばらくしてからもう一度お試しください。",
	"lock_retry":     "処理が混み合っています。少し待ってからもう一度お試しください。",
	"enqueue_failed": "リクエストを受け付けられませんでした。もう一度お試しください。",
	"generated":      "コードの生成が完了しました!\n\n{summary}",
	"failed":         "申し訳ありません。生成に失敗しました。もう一度お試しください。",
}

// NewNotifierService loads templates from templatesPath. A missing or
// broken file is not fatal; the built-in messages still apply.
func NewNotifierService(apiURL, apiKey, templatesPath string) *NotifierService {
	templates := make(map[string]string, len(defaultTemplates))
	for k, v := range defaultTemplates {
		templates[k] = v
	}

	s := &NotifierService{
		apiURL: apiURL,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		templates: templates,
	}

	if templatesPath != "" {
		if err := s.loadTemplates(templatesPath); err != nil {
			log.Printf("⚠️ [NOTIFY] Templates not loaded from %s: %v", templatesPath, err)
		} else {
			log.Printf("📨 [NOTIFY] Loaded %d message templates", len(s.templates))
		}
	}

	return s
}

func (s *NotifierService) loadTemplates(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read templates: %w", err)
	}

	var tpl map[string]string
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}

	for k, v := range tpl {
		s.templates[k] = v
	}
	return nil
}

// Render looks up a template by key and substitutes {placeholder}
// occurrences from vars. Unknown keys fall back to the key itself so a
// missing template is visible rather than silent.
func (s *NotifierService) Render(key string, vars map[string]string) string {
	text, ok := s.templates[key]
	if !ok {
		return key
	}
	for k, v := range vars {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}
	return text
}

// Notify sends a single text message to the user.
func (s *NotifierService) Notify(ctx context.Context, userID, message string) error {
	if s.apiURL == "" {
		log.Printf("📨 [NOTIFY] Push API not configured, dropping message for %s", userID)
		return nil
	}

	body := pushRequest{
		To:       userID,
		Messages: []pushMessage{{Type: "text", Text: message}},
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("push API error: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	return nil
}
