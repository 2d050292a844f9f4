package slack

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/workforce/internal/notify"
)

type mockClient struct {
	mu      sync.Mutex
	posts   []string
	errs    []error // returned in order, then nil
	options [][]slackapi.MsgOption
}

func (m *mockClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, channelID)
	m.options = append(m.options, options)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", "", err
	}
	return channelID, "1700000000.000100", nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "C1"}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("missing token: err = %v", err)
	}
	if _, err := New(Opts{BotToken: "xoxb-1"}); err == nil || !strings.Contains(err.Error(), "channel") {
		t.Errorf("missing channel: err = %v", err)
	}
	if _, err := New(Opts{BotToken: "xoxb-1", ChannelID: "C1"}); err != nil {
		t.Errorf("valid opts: %v", err)
	}
}

func TestNotify_Posts(t *testing.T) {
	client := &mockClient{}
	n, err := New(Opts{ChannelID: "C0APPROVALS", Client: client})
	if err != nil {
		t.Fatal(err)
	}
	evt := notify.Event{Title: "Approval needed", Body: "args", Severity: "warning",
		Fields: []notify.Field{{Name: "Audit", Value: "a-1", Short: true}}}
	if err := n.Notify(context.Background(), evt); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(client.posts) != 1 || client.posts[0] != "C0APPROVALS" {
		t.Errorf("posts = %v", client.posts)
	}
	if len(client.options[0]) != 2 {
		t.Errorf("got %d message options, want 2", len(client.options[0]))
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	client := &mockClient{errs: []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}}
	n, _ := New(Opts{ChannelID: "C1", Client: client})
	if err := n.Notify(context.Background(), notify.Event{Title: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(client.posts) != 2 {
		t.Errorf("posts = %d, want 2 (one retry)", len(client.posts))
	}
}

func TestNotify_OtherErrorNotRetried(t *testing.T) {
	client := &mockClient{errs: []error{errors.New("channel_not_found")}}
	n, _ := New(Opts{ChannelID: "C1", Client: client})
	err := n.Notify(context.Background(), notify.Event{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "slack: post message: channel_not_found") {
		t.Errorf("err = %v", err)
	}
	if len(client.posts) != 1 {
		t.Errorf("posts = %d, want 1", len(client.posts))
	}
}

func TestNotify_RateLimitHonorsContext(t *testing.T) {
	client := &mockClient{errs: []error{&slackapi.RateLimitedError{RetryAfter: time.Hour}}}
	n, _ := New(Opts{ChannelID: "C1", Client: client})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := n.Notify(ctx, notify.Event{Title: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
