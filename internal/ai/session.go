package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spigell/doc-evaluator/internal/utils"
)

const defaultMaxLogLength = 200

// Exchange is a recorded prompt and its response.
type Exchange struct {
	Prompt   string
	Response string
}

// Transcript keeps labelled exchanges so later prompts can reference them as
// history. It is shared between a session and its forks.
type Transcript struct {
	mu        sync.RWMutex
	exchanges map[string]Exchange
}

func NewTranscript() *Transcript {
	return &Transcript{exchanges: make(map[string]Exchange)}
}

// Record stores the exchange under every label.
func (t *Transcript) Record(labels []string, ex Exchange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, label := range labels {
		if label = strings.TrimSpace(label); label != "" {
			t.exchanges[label] = ex
		}
	}
}

// Lookup returns the exchange recorded under label.
func (t *Transcript) Lookup(label string) (Exchange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ex, ok := t.exchanges[label]
	return ex, ok
}

// Len returns the number of recorded labels.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.exchanges)
}

// Session is a stateful conversation with a model. Calls on one session are
// serialized, so at most one request is in flight per conversation.
type Session struct {
	client     Client
	system     string
	transcript *Transcript
	logger     *zap.Logger
	maxLogLen  int

	mu    sync.Mutex
	turns []Message
}

// NewSession creates a session that sends system with every call.
func NewSession(client Client, system string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		client:     client,
		system:     system,
		transcript: NewTranscript(),
		logger:     logger,
		maxLogLen:  defaultMaxLogLength,
	}
}

// SetMaxLogLength limits prompt and response previews in debug logs.
func (s *Session) SetMaxLogLength(n int) {
	if n > 0 {
		s.maxLogLen = n
	}
}

// Fork returns an isolated conversation sharing the client, the system
// instruction and the transcript.
func (s *Session) Fork() *Session {
	return &Session{
		client:     s.client,
		system:     s.system,
		transcript: s.transcript,
		logger:     s.logger,
		maxLogLen:  s.maxLogLen,
	}
}

// Transcript returns the labelled exchange store.
func (s *Session) Transcript() *Transcript {
	return s.transcript
}

// ClearConversation drops the accumulated turns. Recorded exchanges are kept.
func (s *Session) ClearConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

// GenerateResponse sends the prompt with the current turns and the
// referenced history, records the exchange and returns the model's reply.
func (s *Session) GenerateResponse(ctx context.Context, req Request) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("model session is not initialized")
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	messages := make([]Message, 0, len(req.History)*2+len(s.turns)+1)
	for _, label := range req.History {
		ex, ok := s.transcript.Lookup(label)
		if !ok {
			s.logger.Debug("history label not found", zap.String("label", label))
			continue
		}
		messages = append(messages,
			Message{Role: RoleUser, Content: ex.Prompt},
			Message{Role: RoleAssistant, Content: ex.Response},
		)
	}
	messages = append(messages, s.turns...)
	messages = append(messages, Message{Role: RoleUser, Content: prompt})

	label := strings.Join(req.Labels, ",")
	s.logger.Debug("model request",
		zap.String("label", label),
		zap.String("model", req.Model),
		zap.Int("messages", len(messages)),
		zap.Int("recorded_exchanges", s.transcript.Len()),
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, s.maxLogLen)),
	)

	raw, err := s.client.Generate(ctx, Call{
		Model:    req.Model,
		System:   s.system,
		Messages: messages,
		Label:    label,
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("model response",
		zap.String("label", label),
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, s.maxLogLen)),
	)

	s.turns = append(s.turns,
		Message{Role: RoleUser, Content: prompt},
		Message{Role: RoleAssistant, Content: raw},
	)
	s.transcript.Record(req.Labels, Exchange{Prompt: prompt, Response: raw})

	return raw, nil
}
