package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pulse/internal/models"
)

var testMonitor = models.Monitor{ID: 12, Name: "Billing API", URL: "https://billing.example.com/health", Group: "core"}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func TestRedisPublishesEvents(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRedis(pub, "")
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return at }

	require.NoError(t, r.SendAlert(context.Background(), "ops@example.com", testMonitor, models.StateDown, "Connection refused"))
	assert.Equal(t, DefaultChannel, pub.channel)

	var ev Event
	require.NoError(t, json.Unmarshal(pub.payload, &ev))
	assert.Equal(t, "down", ev.Type)
	assert.EqualValues(t, 12, ev.MonitorID)
	assert.Equal(t, models.StateDown, ev.State)
	assert.Equal(t, "Connection refused", ev.Cause)
	assert.Equal(t, at, ev.At)

	require.NoError(t, r.SendRecoveryNotice(context.Background(), "ops@example.com", testMonitor))
	require.NoError(t, json.Unmarshal(pub.payload, &ev))
	assert.Equal(t, "recovered", ev.Type)
	assert.Equal(t, models.StateUp, ev.State)
}

func TestRedisPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	err := NewRedis(pub, "alerts").SendAlert(context.Background(), "", testMonitor, models.StateDown, "x")
	assert.ErrorContains(t, err, "publish alert event")
	assert.Equal(t, "alerts", pub.channel)
}

type countingNotifier struct {
	alerts, recoveries int
	err                error
}

func (c *countingNotifier) SendAlert(context.Context, string, models.Monitor, models.AlertState, string) error {
	c.alerts++
	return c.err
}

func (c *countingNotifier) SendRecoveryNotice(context.Context, string, models.Monitor) error {
	c.recoveries++
	return c.err
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	ok := &countingNotifier{}
	failing := &countingNotifier{err: errors.New("smtp down")}
	m := Multi{failing, ok}

	err := m.SendAlert(context.Background(), "a@b.c", testMonitor, models.StateDown, "x")
	assert.ErrorContains(t, err, "smtp down")
	assert.Equal(t, 1, ok.alerts)
	assert.Equal(t, 1, failing.alerts)

	assert.NoError(t, Multi{ok}.SendRecoveryNotice(context.Background(), "a@b.c", testMonitor))
	assert.Equal(t, 1, ok.recoveries)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := NewLog(zap.New(core))

	require.NoError(t, n.SendAlert(context.Background(), "ops@example.com", testMonitor, models.StateDown, "DNS resolution failed"))
	require.NoError(t, n.SendRecoveryNotice(context.Background(), "ops@example.com", testMonitor))

	down := logs.FilterMessage("monitor went down").All()
	require.Len(t, down, 1)
	assert.Equal(t, "DNS resolution failed", down[0].ContextMap()["cause"])
	assert.Equal(t, 1, logs.FilterMessage("monitor recovered").Len())
}

func TestComposeMessage(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := string(composeMessage("Pulse <pulse@example.com>", "ops@example.com", alertSubject(testMonitor),
		alertBody(testMonitor, "Request timed out", at), at))

	assert.Contains(t, msg, "From: Pulse <pulse@example.com>\r\n")
	assert.Contains(t, msg, "To: ops@example.com\r\n")
	assert.Contains(t, msg, "Subject: [DOWN] Billing API is not responding\r\n")
	assert.Contains(t, msg, "@example.com>\r\n")
	assert.Contains(t, msg, "Reason: Request timed out")
}

// fakeSMTP accepts one session and records the DATA payload.
func fakeSMTP(t *testing.T) (host string, port int, data <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		write := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
		write("220 fake ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				write("250 fake")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				write("250 ok")
			case cmd == "DATA":
				write("354 go ahead")
				var b strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					b.WriteString(l)
				}
				out <- b.String()
				write("250 queued")
			case cmd == "QUIT":
				write("221 bye")
				return
			default:
				write("502 unsupported")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, out
}

func TestSMTPSendsRecoveryNotice(t *testing.T) {
	host, port, data := fakeSMTP(t)
	n := NewSMTP(SMTPConfig{Host: host, Port: port, From: "Pulse <pulse@example.com>"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.SendRecoveryNotice(ctx, "ops@example.com", testMonitor))

	select {
	case msg := <-data:
		assert.Contains(t, msg, "Subject: [UP] Billing API has recovered")
		assert.Contains(t, msg, "is back UP")
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSMTPRequiresRecipient(t *testing.T) {
	n := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: 1})
	assert.ErrorIs(t, n.SendAlert(context.Background(), "  ", testMonitor, models.StateDown, "x"), ErrNoRecipient)
}

func TestSMTPDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	n := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: port})
	err = n.SendAlert(context.Background(), "ops@example.com", testMonitor, models.StateDown, "x")
	assert.ErrorContains(t, err, "smtp dial")
}

func TestSMTPSilentServerTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	// Accepts and never sends the greeting.
	held := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			held <- conn
		}
	}()
	t.Cleanup(func() {
		select {
		case conn := <-held:
			conn.Close()
		default:
		}
	})

	port := ln.Addr().(*net.TCPAddr).Port
	n := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: port, Timeout: 200 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		done <- n.SendAlert(context.WithoutCancel(context.Background()), "ops@example.com", testMonitor, models.StateDown, "x")
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not time out against a silent server")
	}
}
