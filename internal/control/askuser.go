package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// askUserTimeout is the fixed round-trip window for a tool's ask-user call.
const askUserTimeout = 5 * time.Minute

type questionStatus string

const (
	questionPending     questionStatus = "pending"
	questionAnswered    questionStatus = "answered"
	questionTimedOut    questionStatus = "timed_out"
	questionAnsweredLate questionStatus = "answered_late"
)

type question struct {
	ID        string                 `json:"id"`
	AgentID   string                 `json:"agentId"`
	SessionID string                 `json:"sessionId"`
	Question  string                 `json:"question"`
	Options   []string               `json:"options,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Status    questionStatus         `json:"status"`
	CreatedAt time.Time              `json:"createdAt"`
	Answer    string                 `json:"answer,omitempty"`
}

// lateAnswer is one salvaged answer recorded in a session's late-answers file.
type lateAnswer struct {
	QuestionID string    `json:"questionId"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answeredAt"`
}

// askUserBroker mints, indexes, and resolves ask-user round trips. The index
// is an append-only JSONL log (mirroring the broker's durable log
// convention): every state change appends a new line for the question. The
// file is not read back; the current state lives in the in-memory index.
type askUserBroker struct {
	root       string
	sessionDir func(agentID, sessionID string) (string, error)

	mu      sync.Mutex
	pending map[string]chan string
	index   map[string]*question

	broadcast func(q *question)
}

func newAskUserBroker(root string, sessionDir func(agentID, sessionID string) (string, error), broadcast func(q *question)) *askUserBroker {
	return &askUserBroker{
		root:       root,
		sessionDir: sessionDir,
		pending:    make(map[string]chan string),
		index:      make(map[string]*question),
		broadcast:  broadcast,
	}
}

func (a *askUserBroker) indexPath() string {
	return filepath.Join(a.root, ".messages", "ask-user.jsonl")
}

func (a *askUserBroker) appendIndex(q question) error {
	if err := os.MkdirAll(filepath.Dir(a.indexPath()), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(a.indexPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Ask mints a question, persists it, broadcasts it to connected clients, and
// blocks until an answer arrives or askUserTimeout elapses.
func (a *askUserBroker) Ask(ctx context.Context, agentID, sessionID, text string, options []string, qctx map[string]interface{}) (string, error) {
	q := &question{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		SessionID: sessionID,
		Question:  text,
		Options:   options,
		Context:   qctx,
		Status:    questionPending,
		CreatedAt: time.Now(),
	}

	ch := make(chan string, 1)
	a.mu.Lock()
	a.index[q.ID] = q
	a.pending[q.ID] = ch
	a.mu.Unlock()

	if err := a.appendIndex(*q); err != nil {
		return "", fmt.Errorf("ask-user: persist question: %w", err)
	}
	if a.broadcast != nil {
		a.broadcast(q)
	}

	tctx, cancel := context.WithTimeout(ctx, askUserTimeout)
	defer cancel()

	select {
	case answer := <-ch:
		return answer, nil
	case <-tctx.Done():
		a.mu.Lock()
		delete(a.pending, q.ID)
		q.Status = questionTimedOut
		a.mu.Unlock()
		_ = a.appendIndex(*q)
		return "", errors.New("ask-user: timed out waiting for an answer")
	}
}

// Respond resolves a pending question, or — if the promise already expired —
// salvages the answer into the session's late-answers file.
func (a *askUserBroker) Respond(questionID, answer string) error {
	a.mu.Lock()
	ch, stillPending := a.pending[questionID]
	q, known := a.index[questionID]
	a.mu.Unlock()

	if !known {
		return fmt.Errorf("ask-user: unknown question %q", questionID)
	}

	if stillPending {
		a.mu.Lock()
		delete(a.pending, questionID)
		q.Status = questionAnswered
		q.Answer = answer
		a.mu.Unlock()
		ch <- answer
		return a.appendIndex(*q)
	}

	// Promise already gone (timed out). Salvage if we still know which
	// session to attribute the answer to.
	a.mu.Lock()
	q.Status = questionAnsweredLate
	q.Answer = answer
	a.mu.Unlock()
	if err := a.appendIndex(*q); err != nil {
		return err
	}
	if q.AgentID == "" || q.SessionID == "" {
		return nil
	}
	sessionDir, err := a.sessionDir(q.AgentID, q.SessionID)
	if err != nil {
		return fmt.Errorf("ask-user: resolve session dir for late answer: %w", err)
	}
	return appendLateAnswerAt(sessionDir, lateAnswer{
		QuestionID: q.ID,
		Question:   q.Question,
		Answer:     answer,
		AnsweredAt: time.Now(),
	})
}

// appendLateAnswerAt appends la to sessionDir's late-answers file.
func appendLateAnswerAt(sessionDir string, la lateAnswer) error {
	f, err := os.OpenFile(filepath.Join(sessionDir, "ask-user-late.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(la)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// drainLateAnswers reads and removes sessionDir's late-answers file, and
// renders its contents as a "recovered ask-user answers" prompt block. An
// empty return means there was nothing to recover.
func drainLateAnswers(sessionDir string) string {
	path := filepath.Join(sessionDir, "ask-user-late.jsonl")
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var lines []lateAnswer
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var la lateAnswer
		if err := json.Unmarshal([]byte(text), &la); err == nil {
			lines = append(lines, la)
		}
	}
	if len(lines) == 0 {
		os.Remove(path)
		return ""
	}

	var b strings.Builder
	b.WriteString("Recovered ask-user answers from while you were not running:\n")
	for _, la := range lines {
		fmt.Fprintf(&b, "- Q: %s\n  A: %s\n", la.Question, la.Answer)
	}
	os.Remove(path)
	return b.String()
}
