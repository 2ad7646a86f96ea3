package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/haasonsaas/memoh/pkg/models"
)

type apiCall struct {
	method    string
	text      string
	messageID int
	parseMode tgmodels.ParseMode
	replyTo   int
}

type fakeBot struct {
	mu       sync.Mutex
	calls    []apiCall
	actions  int // typing indicator sends, tracked apart from the call log
	nextID   int
	sendErr  error
	editErr  error
	editErrs []error // consumed one per edit when set
}

func (f *fakeBot) SendMessage(_ context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	replyTo := 0
	if params.ReplyParameters != nil {
		replyTo = params.ReplyParameters.MessageID
	}
	f.calls = append(f.calls, apiCall{
		method:    "send",
		text:      params.Text,
		messageID: f.nextID,
		parseMode: params.ParseMode,
		replyTo:   replyTo,
	})
	return &tgmodels.Message{ID: f.nextID}, nil
}

func (f *fakeBot) EditMessageText(_ context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.editErrs) > 0 {
		err := f.editErrs[0]
		f.editErrs = f.editErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if f.editErr != nil {
		return nil, f.editErr
	}
	f.calls = append(f.calls, apiCall{
		method:    "edit",
		text:      params.Text,
		messageID: params.MessageID,
		parseMode: params.ParseMode,
	})
	return &tgmodels.Message{ID: params.MessageID}, nil
}

func (f *fakeBot) SendPhoto(_ context.Context, params *bot.SendPhotoParams) (*tgmodels.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.calls = append(f.calls, apiCall{method: "photo", messageID: f.nextID})
	return &tgmodels.Message{ID: f.nextID}, nil
}

func (f *fakeBot) SendDocument(_ context.Context, params *bot.SendDocumentParams) (*tgmodels.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.calls = append(f.calls, apiCall{method: "document", messageID: f.nextID})
	return &tgmodels.Message{ID: f.nextID}, nil
}

func (f *fakeBot) SendChatAction(_ context.Context, _ *bot.SendChatActionParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions++
	return true, nil
}

func (f *fakeBot) GetFile(_ context.Context, params *bot.GetFileParams) (*tgmodels.File, error) {
	return &tgmodels.File{FileID: params.FileID, FilePath: "files/" + params.FileID}, nil
}

func (f *fakeBot) GetMe(_ context.Context) (*tgmodels.User, error) {
	return &tgmodels.User{ID: 1, Username: "testbot"}, nil
}

func (f *fakeBot) snapshot() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]apiCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func delta(text string) models.StreamEvent {
	return models.StreamEvent{Type: models.EventTextDelta, Delta: text}
}

func TestStreamFirstDeltaCreatesPendingMessage(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 7)

	if err := s.Push(context.Background(), delta("Hello")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	calls := fb.snapshot()
	if len(calls) != 1 || calls[0].method != "send" {
		t.Fatalf("calls = %+v, want one send", calls)
	}
	if calls[0].text != "Hello"+pendingSuffix {
		t.Errorf("text = %q, want pending suffix appended", calls[0].text)
	}
	if calls[0].replyTo != 7 {
		t.Errorf("replyTo = %d, want 7", calls[0].replyTo)
	}
}

func TestStreamThrottlesEdits(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)

	_ = s.Push(context.Background(), delta("a"))
	// Inside the throttle window: buffered, not edited.
	_ = s.Push(context.Background(), delta("b"))
	_ = s.Push(context.Background(), delta("c"))

	if calls := fb.snapshot(); len(calls) != 1 {
		t.Fatalf("calls = %d, want edits suppressed inside throttle window", len(calls))
	}

	// Force the window open.
	s.mu.Lock()
	s.nextEditAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	_ = s.Push(context.Background(), delta("d"))
	calls := fb.snapshot()
	if len(calls) != 2 || calls[1].method != "edit" {
		t.Fatalf("calls = %+v, want a second call editing in place", calls)
	}
	if calls[1].text != "abcd"+pendingSuffix {
		t.Errorf("edit text = %q", calls[1].text)
	}
	if calls[1].messageID != calls[0].messageID {
		t.Errorf("edit targeted message %d, want %d", calls[1].messageID, calls[0].messageID)
	}
}

func TestStreamDedupesUnchangedText(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)

	_ = s.Push(context.Background(), delta("same"))
	s.mu.Lock()
	s.nextEditAt = time.Now().Add(-time.Second)
	s.mu.Unlock()
	// Whitespace-only growth is not a visible change.
	_ = s.Push(context.Background(), delta("  "))

	if calls := fb.snapshot(); len(calls) != 1 {
		t.Errorf("calls = %d, want duplicate edit skipped", len(calls))
	}
}

func TestStreamRateLimitDefersEdit(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)
	_ = s.Push(context.Background(), delta("start"))

	fb.mu.Lock()
	fb.editErrs = []error{&bot.TooManyRequestsError{Message: "Too Many Requests", RetryAfter: 30}}
	fb.mu.Unlock()
	s.mu.Lock()
	s.nextEditAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	if err := s.Push(context.Background(), delta(" more")); err != nil {
		t.Fatalf("rate limited edit should not error the stream: %v", err)
	}

	s.mu.Lock()
	wait := time.Until(s.nextEditAt)
	s.mu.Unlock()
	if wait < 20*time.Second {
		t.Errorf("next edit in %v, want deferred by platform retry_after", wait)
	}
}

func TestStreamNotModifiedIsSuccess(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)
	_ = s.Push(context.Background(), delta("text"))

	fb.mu.Lock()
	fb.editErrs = []error{errors.New("Bad Request: message is not modified")}
	fb.mu.Unlock()
	s.mu.Lock()
	s.nextEditAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	if err := s.Push(context.Background(), delta(" x")); err != nil {
		t.Errorf("not-modified should be treated as success, got %v", err)
	}
}

func TestStreamToolCallBoundaryStartsNewMessage(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)

	_ = s.Push(context.Background(), delta("first phase"))
	_ = s.Push(context.Background(), models.StreamEvent{Type: models.EventToolCallStart, ToolName: "search"})
	_ = s.Push(context.Background(), delta("second phase"))
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	calls := fb.snapshot()
	// send(pending) + edit(final first) + send(pending second) + edit(final second)
	var finals []apiCall
	for _, c := range calls {
		if !strings.HasSuffix(c.text, pendingSuffix) && c.text != "" {
			finals = append(finals, c)
		}
	}
	if len(finals) != 2 {
		t.Fatalf("final renderings = %+v, want one per phase", finals)
	}
	if finals[0].messageID == finals[1].messageID {
		t.Errorf("both phases landed on message %d, want separate messages", finals[0].messageID)
	}
	if !strings.Contains(finals[0].text, "first phase") || !strings.Contains(finals[1].text, "second phase") {
		t.Errorf("finals = %+v", finals)
	}
}

func TestStreamToolCallEndClearsPhaseText(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)

	_ = s.Push(context.Background(), delta("thinking"))
	_ = s.Push(context.Background(), models.StreamEvent{Type: models.EventToolCallStart, ToolName: "search"})
	_ = s.Push(context.Background(), delta("raw tool progress"))
	_ = s.Push(context.Background(), models.StreamEvent{Type: models.EventToolCallEnd, ToolName: "search"})
	_ = s.Push(context.Background(), delta("final answer"))
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	calls := fb.snapshot()
	last := calls[len(calls)-1]
	if !strings.Contains(last.text, "final answer") {
		t.Fatalf("last text = %q, want the post-tool reply", last.text)
	}
	if strings.Contains(last.text, "raw tool progress") {
		t.Errorf("tool-phase text carried into the reply: %q", last.text)
	}
}

func TestStreamCloseRendersHTMLWithoutSuffix(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)

	_ = s.Push(context.Background(), delta("**bold** move"))
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	calls := fb.snapshot()
	last := calls[len(calls)-1]
	if last.method != "edit" {
		t.Fatalf("last call = %+v, want final edit", last)
	}
	if last.parseMode != tgmodels.ParseModeHTML {
		t.Errorf("parse mode = %q, want HTML", last.parseMode)
	}
	if strings.Contains(last.text, pendingSuffix) {
		t.Errorf("final text still carries pending suffix: %q", last.text)
	}
	if !strings.Contains(last.text, "<b>bold</b>") {
		t.Errorf("final text = %q, want markdown rendered", last.text)
	}
}

func TestStreamCloseFallsBackToPlainOnParseError(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)

	_ = s.Push(context.Background(), delta("tricky <tag"))
	fb.mu.Lock()
	fb.editErrs = []error{errors.New("Bad Request: can't parse entities")}
	fb.mu.Unlock()

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	calls := fb.snapshot()
	last := calls[len(calls)-1]
	if last.parseMode != "" {
		t.Errorf("fallback parse mode = %q, want plain", last.parseMode)
	}
	if !strings.Contains(last.text, "tricky <tag") {
		t.Errorf("fallback text = %q", last.text)
	}
}

func TestStreamCloseRetriesFinalEdit(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)

	_ = s.Push(context.Background(), delta("persist me"))
	fb.mu.Lock()
	fb.editErrs = []error{
		&bot.TooManyRequestsError{Message: "Too Many Requests", RetryAfter: 1},
		&bot.TooManyRequestsError{Message: "Too Many Requests", RetryAfter: 1},
	}
	fb.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	calls := fb.snapshot()
	last := calls[len(calls)-1]
	if last.method != "edit" || !strings.Contains(last.text, "persist me") {
		t.Errorf("final call = %+v, want eventual successful edit", last)
	}
}

func TestStreamErrorEventRendersErrorText(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)

	_ = s.Push(context.Background(), delta("partial"))
	_ = s.Push(context.Background(), models.StreamEvent{Type: models.EventError, Message: "model unavailable"})

	calls := fb.snapshot()
	last := calls[len(calls)-1]
	if !strings.Contains(last.text, "Error: model unavailable") {
		t.Errorf("last text = %q, want error rendering", last.text)
	}
}

func TestStreamAgentEndBackfillsTextWhenNoDeltas(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)

	_ = s.Push(context.Background(), models.StreamEvent{
		Type: models.EventAgentEnd,
		Messages: []models.ModelMessage{
			{Role: models.RoleUser, Content: models.NewTextContent("q")},
			{Role: models.RoleAssistant, Content: models.NewTextContent("full answer")},
		},
	})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	calls := fb.snapshot()
	if len(calls) == 0 || !strings.Contains(calls[len(calls)-1].text, "full answer") {
		t.Errorf("calls = %+v, want terminal transcript rendered", calls)
	}
}

func TestStreamAttachmentsSentAsSeparateMessages(t *testing.T) {
	fb := &fakeBot{}
	s := NewStream(fb, nil, nil, 42, 0)

	_ = s.Push(context.Background(), models.StreamEvent{
		Type: models.EventAttachmentDelta,
		Attachments: []models.ChatAttachment{
			{Type: models.AttachmentImage, URL: "https://example.com/a.png"},
			{Type: models.AttachmentFile, Base64: "aGVsbG8=", Name: "a.txt"},
		},
	})
	calls := fb.snapshot()
	if len(calls) != 2 || calls[0].method != "photo" || calls[1].method != "document" {
		t.Errorf("calls = %+v, want photo then document", calls)
	}
}

func TestClampMessage(t *testing.T) {
	long := strings.Repeat("я", maxMessageRunes+100)
	got := clampMessage(long)
	runes := []rune(got)
	if len(runes) != maxMessageRunes {
		t.Errorf("clamped length = %d runes, want %d", len(runes), maxMessageRunes)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("clamped text should end with ellipsis")
	}
	if clampMessage("short") != "short" {
		t.Error("short text should pass through")
	}
}

func TestRetryAfterOf(t *testing.T) {
	d, ok := retryAfterOf(&bot.TooManyRequestsError{Message: "slow down", RetryAfter: 17})
	if !ok || d != 17*time.Second {
		t.Errorf("typed error = %v, %v", d, ok)
	}
	d, ok = retryAfterOf(errors.New("Too Many Requests: retry_after 9"))
	if !ok || d != 9*time.Second {
		t.Errorf("string error = %v, %v", d, ok)
	}
	if _, ok := retryAfterOf(errors.New("chat not found")); ok {
		t.Error("unrelated error classified as rate limit")
	}
}
