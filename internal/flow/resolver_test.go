package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/memoh/internal/catalog"
	"github.com/haasonsaas/memoh/internal/memory"
	"github.com/haasonsaas/memoh/internal/settings"
	"github.com/haasonsaas/memoh/internal/skills"
	"github.com/haasonsaas/memoh/internal/store"
	"github.com/haasonsaas/memoh/pkg/models"
)

type fakeCatalog struct {
	models    map[string]catalog.Model
	providers map[string]catalog.Provider
}

func (f *fakeCatalog) GetByModelID(_ context.Context, modelID string) (catalog.Model, error) {
	m, ok := f.models[modelID]
	if !ok {
		return catalog.Model{}, catalog.ErrNotFound
	}
	return m, nil
}

func (f *fakeCatalog) ListByClientType(_ context.Context, clientType string) ([]catalog.Model, error) {
	var out []catalog.Model
	for _, m := range f.models {
		if pr, ok := f.providers[m.ProviderID]; ok && pr.ClientType == clientType {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeCatalog) ProviderByID(_ context.Context, providerID string) (catalog.Provider, error) {
	pr, ok := f.providers[providerID]
	if !ok {
		return catalog.Provider{}, catalog.ErrNotFound
	}
	return pr, nil
}

type fakeStore struct {
	mu         sync.Mutex
	persisted  []store.PersistInput
	history    []store.Message
	persistErr error
}

func (f *fakeStore) Persist(_ context.Context, in store.PersistInput) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return store.Message{}, f.persistErr
	}
	f.persisted = append(f.persisted, in)
	return store.Message{ID: fmt.Sprintf("msg-%d", len(f.persisted)), Role: in.Role}, nil
}

func (f *fakeStore) ListSince(_ context.Context, _ string, _ time.Time) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeStore) List(_ context.Context, _ string, _ int, _ time.Time) ([]store.Message, error) {
	return nil, nil
}

func (f *fakeStore) Clear(_ context.Context, _ string) error { return nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.persisted)
}

func (f *fakeStore) roles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.persisted))
	for _, in := range f.persisted {
		out = append(out, in.Role)
	}
	return out
}

type fakeDirectory struct {
	identities map[string]store.ChannelIdentity
	users      map[string]store.User
}

func (f *fakeDirectory) ChannelIdentityByID(_ context.Context, id string) (store.ChannelIdentity, error) {
	ci, ok := f.identities[id]
	if !ok {
		return store.ChannelIdentity{}, store.ErrNotFound
	}
	return ci, nil
}

func (f *fakeDirectory) UserByID(_ context.Context, id string) (store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

type fakeSettings struct {
	bot  settings.Bot
	chat settings.Chat
}

func (f *fakeSettings) GetBot(_ context.Context, _ string) (settings.Bot, error)   { return f.bot, nil }
func (f *fakeSettings) GetChat(_ context.Context, _ string) (settings.Chat, error) { return f.chat, nil }

type fakeMemory struct {
	mu       sync.Mutex
	results  []memory.Item
	searches []memory.SearchRequest
	added    []memory.AddRequest
}

func (f *fakeMemory) Search(_ context.Context, req memory.SearchRequest) (memory.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, req)
	return memory.SearchResponse{Results: f.results}, nil
}

func (f *fakeMemory) Add(_ context.Context, req memory.AddRequest) (memory.AddResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, req)
	return memory.AddResponse{Accepted: len(req.Messages)}, nil
}

type fakeSkills struct {
	entries []skills.Entry
}

func (f *fakeSkills) LoadSkills(_ context.Context, _ string) ([]skills.Entry, error) {
	return f.entries, nil
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{
		models: map[string]catalog.Model{
			"gpt-test": {
				ID: "m1", ModelID: "gpt-test", Type: catalog.TypeChat,
				InputModalities: []string{"text", "image"}, ProviderID: "p1",
			},
			"claude-test": {
				ID: "m2", ModelID: "claude-test", Type: catalog.TypeChat,
				InputModalities: []string{"text"}, ProviderID: "p2",
			},
			"embed-test": {
				ID: "m3", ModelID: "embed-test", Type: catalog.TypeEmbedding, ProviderID: "p1",
			},
		},
		providers: map[string]catalog.Provider{
			"p1": {ID: "p1", ClientType: "openai", APIKey: "sk-1", BaseURL: "https://api.test"},
			"p2": {ID: "p2", ClientType: "anthropic", APIKey: "sk-2"},
		},
	}
}

func newTestResolver(t *testing.T, gatewayURL string, st *fakeStore) (*Resolver, *fakeMemory) {
	t.Helper()
	mem := &fakeMemory{}
	r := New(Config{
		Catalog:        testCatalog(),
		Store:          st,
		Directory:      &fakeDirectory{},
		Settings:       &fakeSettings{bot: settings.Bot{ChatModelID: "gpt-test"}},
		Memory:         mem,
		Skills:         &fakeSkills{},
		GatewayBaseURL: gatewayURL,
	})
	return r, mem
}

func TestResolveValidation(t *testing.T) {
	r, _ := newTestResolver(t, "http://127.0.0.1:0", &fakeStore{})

	cases := []struct {
		name string
		req  models.ChatRequest
	}{
		{"missing bot", models.ChatRequest{ChatID: "c", Query: "hi"}},
		{"missing chat", models.ChatRequest{BotID: "b", Query: "hi"}},
		{"empty query", models.ChatRequest{BotID: "b", ChatID: "c"}},
		{"messages alone", models.ChatRequest{BotID: "b", ChatID: "c", Messages: []models.ModelMessage{
			{Role: models.RoleUser, Content: models.NewTextContent("hi")},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Chat(context.Background(), tc.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsValidation(err) {
				t.Errorf("kind = %v, want validation", KindOf(err))
			}
		})
	}
}

func TestResolveAttachmentOnlyQueryAllowed(t *testing.T) {
	var got gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(body, &got)
		_ = json.NewEncoder(w).Encode(gatewayResponse{Messages: []models.ModelMessage{
			{Role: models.RoleAssistant, Content: models.NewTextContent("nice picture")},
		}})
	}))
	defer srv.Close()

	st := &fakeStore{}
	r, _ := newTestResolver(t, srv.URL, st)
	_, err := r.Chat(context.Background(), models.ChatRequest{
		BotID: "b", ChatID: "c",
		Attachments: []models.ChatAttachment{{Type: models.AttachmentImage, Base64: "aGk=", Mime: "image/png"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("gateway attachments = %d, want 1", len(got.Attachments))
	}
	if !strings.HasPrefix(got.Attachments[0].Data, "data:image/png;base64,") {
		t.Errorf("attachment data = %q, want data URL", got.Attachments[0].Data)
	}
}

func TestSelectModelPriority(t *testing.T) {
	st := &fakeStore{}
	r, _ := newTestResolver(t, "http://127.0.0.1:0", st)
	r.settings = &fakeSettings{
		bot:  settings.Bot{ChatModelID: "gpt-test"},
		chat: settings.Chat{ModelID: "claude-test"},
	}

	res, err := r.resolve(context.Background(), models.ChatRequest{BotID: "b", ChatID: "c", Query: "hi"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.model.ModelID != "claude-test" {
		t.Errorf("model = %q, want chat setting to beat bot setting", res.model.ModelID)
	}

	res, err = r.resolve(context.Background(), models.ChatRequest{BotID: "b", ChatID: "c", Query: "hi", Model: "gpt-test"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.model.ModelID != "gpt-test" {
		t.Errorf("model = %q, want request override to win", res.model.ModelID)
	}
}

func TestSelectModelRejectsEmbedding(t *testing.T) {
	st := &fakeStore{}
	r, _ := newTestResolver(t, "http://127.0.0.1:0", st)
	r.settings = &fakeSettings{bot: settings.Bot{ChatModelID: "embed-test"}}

	_, err := r.resolve(context.Background(), models.ChatRequest{BotID: "b", ChatID: "c", Query: "hi"})
	if !IsValidation(err) {
		t.Errorf("err = %v, want validation failure for non-chat model", err)
	}
}

func TestNormalizeClientType(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"openai", "openai", true},
		{"Anthropic", "anthropic", true},
		{"claude", "anthropic", true},
		{"gemini", "google", true},
		{"grok", "xai", true},
		{"openai-compatible", "openai-compat", true},
		{"cohere", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := normalizeClientType(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("normalizeClientType(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("normalizeClientType(%q) succeeded, want error", tc.in)
		}
	}
}

func TestChatPersistsRoundAndAttribution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", req.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(gatewayResponse{Messages: []models.ModelMessage{
			{Role: models.RoleUser, Content: models.NewTextContent("hello")},
			{Role: models.RoleAssistant, Content: models.NewTextContent("hi there")},
		}})
	}))
	defer srv.Close()

	st := &fakeStore{}
	r, _ := newTestResolver(t, srv.URL, st)
	r.dir = &fakeDirectory{
		identities: map[string]store.ChannelIdentity{"ci-1": {ID: "ci-1", DisplayName: "Ada"}},
	}

	resp, err := r.Chat(context.Background(), models.ChatRequest{
		BotID: "b", ChatID: "c", Query: "hello",
		Token:                   "Bearer tok",
		SourceChannelIdentityID: "ci-1",
		UserID:                  "missing-user",
		ExternalMessageID:       "tg-42",
		RouteID:                 "route-1",
		CurrentChannel:          "telegram",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(resp.Messages))
	}
	if resp.Model != "gpt-test" || resp.Provider != "openai" {
		t.Errorf("model/provider = %q/%q", resp.Model, resp.Provider)
	}

	if st.count() != 2 {
		t.Fatalf("persisted = %d, want 2", st.count())
	}
	st.mu.Lock()
	userIn, asstIn := st.persisted[0], st.persisted[1]
	st.mu.Unlock()
	if userIn.Role != models.RoleUser {
		t.Errorf("first persisted role = %q, want user", userIn.Role)
	}
	if userIn.SenderChannelIdentityID != "ci-1" {
		t.Errorf("identity = %q, want verified reference kept", userIn.SenderChannelIdentityID)
	}
	if userIn.SenderUserID != "" {
		t.Errorf("user id = %q, want unknown reference demoted", userIn.SenderUserID)
	}
	if userIn.ExternalMessageID != "tg-42" {
		t.Errorf("external id = %q", userIn.ExternalMessageID)
	}
	if asstIn.SourceReplyToMessageID != "tg-42" {
		t.Errorf("reply-to = %q, want external id threaded", asstIn.SourceReplyToMessageID)
	}
	if asstIn.Metadata["route_id"] != "route-1" || asstIn.Metadata["platform"] != "telegram" {
		t.Errorf("metadata = %v", asstIn.Metadata)
	}
}

func TestChatSynthesizesUserMessageWhenRoundOmitsIt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(gatewayResponse{Messages: []models.ModelMessage{
			{Role: models.RoleAssistant, Content: models.NewTextContent("done")},
		}})
	}))
	defer srv.Close()

	st := &fakeStore{}
	r, _ := newTestResolver(t, srv.URL, st)
	if _, err := r.Chat(context.Background(), models.ChatRequest{BotID: "b", ChatID: "c", Query: "do it"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	roles := st.roles()
	if len(roles) != 2 || roles[0] != models.RoleAssistant || roles[1] != models.RoleUser {
		t.Errorf("persisted roles = %v, want assistant plus synthesized user", roles)
	}
}

func TestMemoryContextFollowsHistory(t *testing.T) {
	var got gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(body, &got)
		_ = json.NewEncoder(w).Encode(gatewayResponse{Messages: []models.ModelMessage{
			{Role: models.RoleAssistant, Content: models.NewTextContent("ok")},
		}})
	}))
	defer srv.Close()

	st := &fakeStore{history: []store.Message{
		{Role: models.RoleAssistant, Content: mustJSON(models.ModelMessage{
			Role: models.RoleAssistant, Content: models.NewTextContent("earlier answer"),
		})},
	}}
	r, mem := newTestResolver(t, srv.URL, st)
	mem.results = []memory.Item{
		{ID: "m1", Memory: "likes tea", Score: 0.4},
		{ID: "m2", Memory: "lives in Oslo", Score: 0.9},
		{ID: "m2", Memory: "lives in Oslo", Score: 0.9}, // duplicate id
		{ID: "m3", Memory: "  ", Score: 0.8},
	}

	if _, err := r.Chat(context.Background(), models.ChatRequest{BotID: "b", ChatID: "c", Query: "hi"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	mem.mu.Lock()
	searches := mem.searches
	mem.mu.Unlock()
	if len(searches) != 1 {
		t.Fatalf("searches = %d, want single shared-scope search", len(searches))
	}
	f := searches[0].Filters
	if f["namespace"] != "bot" || f["scopeId"] != "b" || f["bot_id"] != "b" {
		t.Errorf("search filters = %v", f)
	}

	if len(got.Messages) < 2 {
		t.Fatalf("gateway messages = %d, want history then memory context", len(got.Messages))
	}
	if got.Messages[0].TextContent() != "earlier answer" {
		t.Errorf("first message = %q, want history first", got.Messages[0].TextContent())
	}
	memMsg := got.Messages[1]
	if memMsg.Role != models.RoleSystem {
		t.Fatalf("second role = %q, want system memory context", memMsg.Role)
	}
	text := memMsg.TextContent()
	if strings.Count(text, "lives in Oslo") != 1 {
		t.Errorf("duplicate id not collapsed: %q", text)
	}
	if strings.Contains(text, "- \n") {
		t.Errorf("blank item leaked: %q", text)
	}
	if strings.Index(text, "lives in Oslo") > strings.Index(text, "likes tea") {
		t.Errorf("items not ranked by score: %q", text)
	}
}

func TestStoreMemoryKeepsAllSpeakingRoles(t *testing.T) {
	st := &fakeStore{}
	r, mem := newTestResolver(t, "http://127.0.0.1:0", st)

	r.storeMemory(context.Background(), models.ChatRequest{BotID: "b", ChatID: "c"}, []models.ModelMessage{
		{Role: models.RoleSystem, Content: models.NewTextContent("be brief")},
		{Role: models.RoleUser, Content: models.NewTextContent("hi")},
		{Role: "tool", Content: models.NewTextContent("lookup result")},
		{Content: models.NewTextContent("untagged turn")},
		{Role: models.RoleAssistant, Content: models.NewTextContent("   ")},
	})

	mem.mu.Lock()
	added := mem.added
	mem.mu.Unlock()
	if len(added) != 1 {
		t.Fatalf("add calls = %d, want 1", len(added))
	}
	roles := make([]string, 0, len(added[0].Messages))
	for _, m := range added[0].Messages {
		roles = append(roles, m.Role)
	}
	want := []string{models.RoleSystem, models.RoleUser, "tool", models.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("role[%d] = %q, want %q", i, roles[i], want[i])
		}
	}
	f := added[0].Filters
	if f["namespace"] != "bot" || f["scopeId"] != "b" || f["bot_id"] != "b" {
		t.Errorf("add filters = %v", f)
	}
}

func TestResolveSkillsNormalizesEntries(t *testing.T) {
	st := &fakeStore{}
	r, _ := newTestResolver(t, "http://127.0.0.1:0", st)
	r.skills = &fakeSkills{entries: []skills.Entry{
		{Name: "  ", Content: "orphaned"},
		{Name: " search "},
		{Name: "summarize", Description: "Condense text"},
		{Name: "full", Description: "d", Content: "c"},
	}}

	names, usable := r.resolveSkills(context.Background(), models.ChatRequest{BotID: "b"})
	if len(usable) != 3 {
		t.Fatalf("usable = %d, want nameless entry dropped", len(usable))
	}
	if usable[0].Name != "search" || usable[0].Description != "search" || usable[0].Content != "search" {
		t.Errorf("bare entry = %+v, want name fanned into empty fields", usable[0])
	}
	if usable[1].Content != "Condense text" {
		t.Errorf("content = %q, want description fallback", usable[1].Content)
	}
	if usable[2].Name != "full" || usable[2].Description != "d" || usable[2].Content != "c" {
		t.Errorf("complete entry altered: %+v", usable[2])
	}
	if len(names) != 3 || names[0] != "search" {
		t.Errorf("names = %v", names)
	}
}

func TestLoadHistorySkipsWhenNegative(t *testing.T) {
	st := &fakeStore{history: []store.Message{
		{Role: models.RoleUser, Content: mustJSON(models.ModelMessage{Role: models.RoleUser, Content: models.NewTextContent("old")})},
	}}
	r, _ := newTestResolver(t, "http://127.0.0.1:0", st)

	msgs, err := r.loadHistory(context.Background(), models.ChatRequest{BotID: "b", ChatID: "c", Query: "q", MaxContextLoadTime: -1}, 0, 0)
	if err != nil {
		t.Fatalf("loadHistory: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("history = %d messages, want none", len(msgs))
	}

	msgs, err = r.loadHistory(context.Background(), models.ChatRequest{BotID: "b", ChatID: "c", Query: "q"}, 0, 0)
	if err != nil {
		t.Fatalf("loadHistory: %v", err)
	}
	if len(msgs) != 1 || msgs[0].TextContent() != "old" {
		t.Errorf("history = %+v", msgs)
	}
}

func TestGatewayErrorTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	defer srv.Close()

	st := &fakeStore{}
	r, _ := newTestResolver(t, srv.URL, st)
	_, err := r.Chat(context.Background(), models.ChatRequest{BotID: "b", ChatID: "c", Query: "hi"})
	if err == nil {
		t.Fatal("expected gateway error")
	}
	if KindOf(err) != KindGateway {
		t.Errorf("kind = %v, want gateway", KindOf(err))
	}
	if len(err.Error()) > 400 {
		t.Errorf("error length = %d, want body truncated", len(err.Error()))
	}
}

func TestTriggerScheduleIdentity(t *testing.T) {
	var got triggerScheduleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/chat/trigger-schedule" {
			t.Errorf("path = %q", req.URL.Path)
		}
		body, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(body, &got)
		_ = json.NewEncoder(w).Encode(gatewayResponse{Messages: []models.ModelMessage{
			{Role: models.RoleAssistant, Content: models.NewTextContent("report sent")},
		}})
	}))
	defer srv.Close()

	st := &fakeStore{}
	r, _ := newTestResolver(t, srv.URL, st)
	maxCalls := 3
	_, err := r.TriggerSchedule(context.Background(), models.ScheduleRequest{
		BotID:       "b",
		ScheduleID:  "s1",
		Name:        "daily report",
		Pattern:     "0 9 * * *",
		MaxCalls:    &maxCalls,
		Command:     "send the daily report",
		OwnerUserID: "owner-1",
	})
	if err != nil {
		t.Fatalf("TriggerSchedule: %v", err)
	}
	if got.Schedule.ID != "s1" || got.Schedule.Command != "send the daily report" {
		t.Errorf("schedule = %+v", got.Schedule)
	}
	if got.Identity.DisplayName != schedulerDisplayName {
		t.Errorf("display name = %q, want %q", got.Identity.DisplayName, schedulerDisplayName)
	}
	if got.Identity.ChannelIdentityID != "owner-1" {
		t.Errorf("channel identity = %q, want owner attribution", got.Identity.ChannelIdentityID)
	}
	if got.Query != "" {
		t.Errorf("query = %q, want omitted on schedule endpoint", got.Query)
	}
}

func TestTriggerScheduleValidation(t *testing.T) {
	r, _ := newTestResolver(t, "http://127.0.0.1:0", &fakeStore{})
	if _, err := r.TriggerSchedule(context.Background(), models.ScheduleRequest{BotID: "b"}); !IsValidation(err) {
		t.Errorf("err = %v, want validation for missing command", err)
	}
	if _, err := r.TriggerSchedule(context.Background(), models.ScheduleRequest{Command: "x"}); !IsValidation(err) {
		t.Errorf("err = %v, want validation for missing bot", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
