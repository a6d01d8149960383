package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/shop_assistant/internal/ai"
	"github.com/Skotchmaster/shop_assistant/internal/flags"
	"github.com/Skotchmaster/shop_assistant/internal/models"
	"github.com/Skotchmaster/shop_assistant/internal/repo"
	"github.com/Skotchmaster/shop_assistant/internal/testutil"
)

type fakeGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	calls    int
	variants []ai.Variant
}

func (g *fakeGenerator) Generate(_ context.Context, v ai.Variant, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.variants = append(g.variants, v)
	return g.reply, g.err
}

type recordingSink struct {
	mu     sync.Mutex
	frames []any
}

func (s *recordingSink) Send(frame any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) PublishEvent(_ context.Context, topic, _ string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

type recordingIndexer struct {
	mu  sync.Mutex
	ids []uint
}

func (i *recordingIndexer) IndexMessage(_ context.Context, m models.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ids = append(i.ids, m.ID)
	return nil
}

type failingStore struct{}

func (failingStore) SaveExchange(context.Context, *models.Message, *models.Message) error {
	return errors.New("connection refused")
}

type rejectScanner struct{}

func (rejectScanner) Scan(context.Context, string, []byte) error { return errors.New("infected") }

type fixture struct {
	p     *Pipeline
	repo  *repo.GormRepo
	mr    *miniredis.Miniredis
	gen   *fakeGenerator
	flags *flags.Engine
}

var origin = Origin{SessionID: "sess-1", UserID: 5, IP: "10.0.0.5", Role: models.RoleUser}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	r := repo.New(testutil.NewDB(t))
	c, mr := testutil.NewCache(t)
	gen := &fakeGenerator{reply: "Your order is in transit."}
	engine := flags.NewEngine(c, time.Minute)

	p := New(Pipeline{
		Cache:     c,
		Flags:     engine,
		Generator: gen,
		Store:     r,
		Config:    Config{ResponseTTL: time.Hour, MaxFileSize: 16},
	})
	t.Cleanup(p.Wait)
	return &fixture{p: p, repo: r, mr: mr, gen: gen, flags: engine}
}

func (f *fixture) messages(t *testing.T) []models.Message {
	t.Helper()
	msgs, err := f.repo.ListSessionMessages(context.Background(), origin.SessionID, 0, 100)
	require.NoError(t, err)
	return msgs
}

func TestProcess_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sink := &recordingSink{}

	res, err := f.p.Process(ctx, origin, Inbound{Type: "text", Content: "Where is my order?"}, sink)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, ai.Standard, res.Variant)
	assert.Equal(t, 1, f.gen.calls)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Where is my order?", msgs[0].Content)
	assert.False(t, msgs[0].IsBot)
	require.NotNil(t, msgs[0].Intent)
	assert.Equal(t, "order_status", *msgs[0].Intent)
	assert.Equal(t, "Your order is in transit.", msgs[1].Content)
	assert.True(t, msgs[1].IsBot)

	require.Len(t, sink.frames, 2)
	userFrame := sink.frames[0].(MessageFrame)
	botFrame := sink.frames[1].(MessageFrame)
	assert.Equal(t, msgs[0].ID, userFrame.ID)
	assert.Equal(t, "Your order is in transit.", botFrame.Content)
	assert.False(t, botFrame.CacheHit)

	memo, err := f.mr.Get("response:Where is my order?")
	require.NoError(t, err)
	assert.Equal(t, "Your order is in transit.", memo)
	assert.Equal(t, time.Hour, f.mr.TTL("response:Where is my order?"))

	replay := &recordingSink{}
	res, err = f.p.Process(ctx, origin, Inbound{Type: "text", Content: "Where is my order?"}, replay)
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, 1, f.gen.calls)
	require.Len(t, replay.frames, 2)
	assert.True(t, replay.frames[1].(MessageFrame).CacheHit)
	assert.Equal(t, "Your order is in transit.", replay.frames[1].(MessageFrame).Content)
	assert.Len(t, f.messages(t), 4)

	f.mr.FastForward(time.Hour)
	res, err = f.p.Process(ctx, origin, Inbound{Type: "text", Content: "Where is my order?"}, &recordingSink{})
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, 2, f.gen.calls)
}

func TestProcess_RejectsInvalidText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, content := range []string{"", "   \n\t", strings.Repeat("ж", MaxMessageRunes+1)} {
		sink := &recordingSink{}
		_, err := f.p.Process(ctx, origin, Inbound{Type: "text", Content: content}, sink)
		require.ErrorIs(t, err, ErrInvalidMessage)
		require.Len(t, sink.frames, 1)
		assert.Equal(t, ErrTypeInvalidMessage, sink.frames[0].(ErrorFrame).Error.Type)
	}

	_, err := f.p.Process(ctx, origin, Inbound{Type: "video", Content: "x"}, &recordingSink{})
	require.ErrorIs(t, err, ErrInvalidMessage)

	assert.Empty(t, f.messages(t))
	assert.Zero(t, f.gen.calls)

	_, err = f.p.Process(ctx, origin, Inbound{Type: "text", Content: strings.Repeat("ж", MaxMessageRunes)}, &recordingSink{})
	require.NoError(t, err)
	assert.Len(t, f.messages(t), 2)
}

func TestProcess_GenerationFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.gen.err = errors.New("upstream 502")
	sink := &recordingSink{}

	_, err := f.p.Process(context.Background(), origin, Inbound{Type: "text", Content: "Hello?"}, sink)
	require.ErrorIs(t, err, ErrGeneration)

	require.Len(t, sink.frames, 1)
	frame := sink.frames[0].(ErrorFrame)
	assert.Equal(t, ErrTypeGeneration, frame.Error.Type)
	assert.NotContains(t, frame.Error.Message, "502")

	assert.Empty(t, f.messages(t))
	assert.False(t, f.mr.Exists("response:Hello?"))
}

func TestProcess_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.p.Store = failingStore{}
	sink := &recordingSink{}

	_, err := f.p.Process(context.Background(), origin, Inbound{Type: "text", Content: "Hello?"}, sink)
	require.ErrorIs(t, err, ErrStore)
	require.Len(t, sink.frames, 1)
	assert.Equal(t, ErrTypeStore, sink.frames[0].(ErrorFrame).Error.Type)
	assert.False(t, f.mr.Exists("response:Hello?"))
}

func TestProcess_ExperimentalVariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.flags.UpdateFlag(ctx, flags.Flag{
		Name:       ExperimentalFlag,
		Enabled:    true,
		Strategies: []flags.Strategy{{Type: flags.UserIDList, UserIDs: []string{"5"}}},
	}))

	res, err := f.p.Process(ctx, origin, Inbound{Content: "Can I pay by card?"}, &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, ai.Experimental, res.Variant)

	other := origin
	other.UserID = 6
	res, err = f.p.Process(ctx, other, Inbound{Content: "Can I pay with cash?"}, &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, ai.Standard, res.Variant)
	assert.Equal(t, []ai.Variant{ai.Experimental, ai.Standard}, f.gen.variants)
}

func TestProcess_Files(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := base64.StdEncoding.EncodeToString([]byte("hello"))

	sink := &recordingSink{}
	res, err := f.p.Process(ctx, origin, Inbound{Type: "file", Name: "../receipt.txt", Content: payload}, sink)
	require.NoError(t, err)
	assert.Equal(t, "[file] receipt.txt (5 bytes)", res.UserMessage.Content)
	assert.Nil(t, res.UserMessage.Intent)
	assert.Contains(t, res.BotMessage.Content, "receipt.txt")
	assert.Zero(t, f.gen.calls)
	require.Len(t, sink.frames, 2)

	bad := []Inbound{
		{Type: "file", Name: "", Content: payload},
		{Type: "file", Name: "a.txt", Content: "%%%not-base64"},
		{Type: "file", Name: "a.txt", Content: ""},
		{Type: "file", Name: "big.bin", Content: base64.StdEncoding.EncodeToString(make([]byte, 17))},
	}
	for _, in := range bad {
		_, err := f.p.Process(ctx, origin, in, &recordingSink{})
		require.ErrorIs(t, err, ErrInvalidMessage, in.Name)
	}

	f.p.Scanner = rejectScanner{}
	_, err = f.p.Process(ctx, origin, Inbound{Type: "file", Name: "a.txt", Content: payload}, &recordingSink{})
	require.ErrorIs(t, err, ErrInvalidMessage)

	assert.Len(t, f.messages(t), 2)
}

func TestProcess_SideEffects(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	idx := &recordingIndexer{}
	f.p.Events = pub
	f.p.Index = idx

	res, err := f.p.Process(context.Background(), origin, Inbound{Content: "Where is my refund?"}, &recordingSink{})
	require.NoError(t, err)
	f.p.Wait()

	assert.Equal(t, []string{"chat_events"}, pub.topics)
	assert.Equal(t, []uint{res.UserMessage.ID, res.BotMessage.ID}, idx.ids)
}

func TestProcess_CacheOutageFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	res, err := f.p.Process(context.Background(), origin, Inbound{Content: "Where is my order?"}, &recordingSink{})
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, 1, f.gen.calls)
	assert.Len(t, f.messages(t), 2)
}

func TestDetectIntent(t *testing.T) {
	cases := map[string]string{
		"Where is my order?":           "order_status",
		"I want a refund":              "returns",
		"My card was charged twice":    "payment",
		"When will it be delivered?":   "shipping",
		"I forgot my password":         "account",
		"Can I return my order?":       "returns",
		"How long does shipping take?": "shipping",
	}
	for text, want := range cases {
		got := DetectIntent(text)
		require.NotNil(t, got, text)
		assert.Equal(t, want, *got, text)
	}
	assert.Nil(t, DetectIntent("hello there"))
}
