package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/leadscore/models"
)

func sampleResult() models.PredictionResult {
	return models.PredictionResult{
		SubjectID:  "lead_123",
		Score:      77.5,
		Confidence: 0.8,
		Source:     models.SourceFresh,
		ComputedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c)
	return tgbotapi.Message{}, b.err
}

type failingNotifier struct{ err error }

func (f failingNotifier) Publish(context.Context, string, models.PredictionResult) error { return f.err }

func TestKafkaNotifierKeysByClient(t *testing.T) {
	w := &fakeWriter{}
	n := NewKafkaNotifierWithWriter(w)

	require.NoError(t, n.Publish(context.Background(), "client_1", sampleResult()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "client_1", string(w.msgs[0].Key))

	var u Update
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &u))
	assert.Equal(t, "prediction_update", u.Type)
	assert.Equal(t, "lead_123", u.Data.SubjectID)
}

func TestKafkaNotifierWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	n := NewKafkaNotifierWithWriter(&fakeWriter{err: boom})
	assert.ErrorIs(t, n.Publish(context.Background(), "client_1", sampleResult()), boom)
}

func TestTelegramNotifier(t *testing.T) {
	bot := &fakeBot{}
	n := &TelegramNotifier{bot: bot}

	require.NoError(t, n.Publish(context.Background(), "123456", sampleResult()))
	require.Len(t, bot.sent, 1)
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(123456), msg.ChatID)
	assert.Contains(t, msg.Text, "77.5")
	assert.Contains(t, msg.Text, `lead\_123`)

	err := n.Publish(context.Background(), "browser-client", sampleResult())
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.Len(t, bot.sent, 1, "non-numeric clients are not Telegram chats")
}

func TestMultiJoinsErrors(t *testing.T) {
	w := &fakeWriter{}
	boom := errors.New("boom")
	m := Multi{NewLogNotifier(zerolog.Nop()), failingNotifier{err: boom}, NewKafkaNotifierWithWriter(w)}

	err := m.Publish(context.Background(), "c", sampleResult())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, w.msgs, 1, "a failing channel does not stop the others")
}

func TestMultiNoConnection(t *testing.T) {
	boom := errors.New("boom")
	offline := failingNotifier{err: ErrNoConnection}
	tg := &TelegramNotifier{bot: &fakeBot{}}

	tests := []struct {
		name     string
		channels Multi
		want     error
	}{
		{"another channel delivered", Multi{tg, NewLogNotifier(zerolog.Nop())}, nil},
		{"no channel reaches the client", Multi{tg, offline}, ErrNoConnection},
		{"real failure is reported", Multi{tg, failingNotifier{err: boom}}, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.channels.Publish(context.Background(), "browser-client", sampleResult())
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWebSocketHub(t *testing.T) {
	disconnected := make(chan string, 1)
	hub := NewWebSocketHub(func(id string) { disconnected <- id })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	assert.ErrorIs(t, hub.Publish(context.Background(), "client_1", sampleResult()), ErrNoConnection)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?client_id=client_1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.Connections() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), "client_1", sampleResult()))

	var u Update
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, "client_1", u.ClientID)
	assert.Equal(t, 77.5, u.Data.Score)

	conn.Close()
	select {
	case id := <-disconnected:
		assert.Equal(t, "client_1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback not called")
	}
	assert.Zero(t, hub.Connections())
}

func TestWebSocketHubRequiresClientID(t *testing.T) {
	hub := NewWebSocketHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}
